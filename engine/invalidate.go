// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/taskgraph/agg"
	"github.com/AleutianAI/taskgraph/store"
)

const (
	// invalidateParallelThreshold is the dependent count above which the
	// fan-out runs on worker goroutines.
	invalidateParallelThreshold = 128

	// invalidateChunkSize is the number of dependents one worker handles.
	invalidateChunkSize = 64
)

// invalidateDependents marks every dependent dirty.
//
// Small sets run inline on the caller's queue. Large sets are split into
// chunks, each worked by a goroutine with its own child context and
// queue; the sub-queues are merged back so the caller drains all derived
// work in one place.
func (e *Engine) invalidateDependents(ctx context.Context, q *agg.Queue, dependents []store.TaskId) {
	recordInvalidations(ctx, len(dependents))

	if len(dependents) <= invalidateParallelThreshold {
		for _, id := range dependents {
			e.graph.MakeDirty(q, id)
		}
		return
	}

	e.logger.Debug("parallel dependent invalidation",
		slog.Int("dependents", len(dependents)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		subs []*agg.Queue
	)
	for start := 0; start < len(dependents); start += invalidateChunkSize {
		end := min(start+invalidateChunkSize, len(dependents))
		chunk := dependents[start:end]

		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := agg.NewGraph(e.store, e.exec.ChildContext(), e.logger)
			sq := sub.NewQueue()
			for _, id := range chunk {
				sub.MakeDirty(sq, id)
			}
			mu.Lock()
			subs = append(subs, sq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, sq := range subs {
		q.Merge(sq)
	}
}

func recordInvalidations(ctx context.Context, n int) {
	if dependentInvalidations == nil {
		return
	}
	dependentInvalidations.Add(ctx, int64(n), metric.WithAttributes(
		attribute.Bool("parallel", n > invalidateParallelThreshold)))
}
