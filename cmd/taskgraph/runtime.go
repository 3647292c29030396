// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/taskgraph/agg"
	"github.com/AleutianAI/taskgraph/snapshot"
	"github.com/AleutianAI/taskgraph/store"
)

// Runtime is the in-process scheduler backing the simulator. It
// implements agg.ExecutionContext: dedup-scheduling into a two-level
// priority queue worked by a pool of goroutines, with operation
// bracketing delegated to the snapshot coordinator.
type Runtime struct {
	coord  *snapshot.Coordinator
	logger *slog.Logger

	mu      sync.Mutex
	pending map[store.TaskId]struct{}
	high    []store.TaskId
	normal  []store.TaskId
	wake    chan struct{}

	scheduledTotal int64
}

// NewRuntime creates a runtime bracketed by the given coordinator.
func NewRuntime(coord *snapshot.Coordinator, logger *slog.Logger) *Runtime {
	return &Runtime{
		coord:   coord,
		logger:  logger,
		pending: make(map[store.TaskId]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (r *Runtime) ShouldTrackActiveness() bool   { return true }
func (r *Runtime) ShouldTrackDependencies() bool { return true }

// Schedule enqueues a task for execution. Tasks already waiting are not
// enqueued again.
func (r *Runtime) Schedule(id store.TaskId, reason agg.ScheduleReason, priority agg.Priority) {
	r.mu.Lock()
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return
	}
	r.pending[id] = struct{}{}
	if priority == agg.PriorityHigh {
		r.high = append(r.high, id)
	} else {
		r.normal = append(r.normal, id)
	}
	r.scheduledTotal++
	r.mu.Unlock()

	r.logger.Debug("task scheduled", "task", id, "reason", reason.String())
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) BeginOperation() func() {
	return r.coord.StartOperation()
}

func (r *Runtime) OperationSuspendPoint(op agg.Operation) {
	r.coord.OperationSuspendPoint(op)
}

func (r *Runtime) ChildContext() agg.ExecutionContext { return r }

// ScheduledTotal returns how many schedule requests were accepted.
func (r *Runtime) ScheduledTotal() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduledTotal
}

// next pops the highest-priority waiting task, or false if none waits.
func (r *Runtime) next() (store.TaskId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id store.TaskId
	switch {
	case len(r.high) > 0:
		id, r.high = r.high[0], r.high[1:]
	case len(r.normal) > 0:
		id, r.normal = r.normal[0], r.normal[1:]
	default:
		return 0, false
	}
	delete(r.pending, id)
	return id, true
}

// Run executes waiting tasks on a pool of workers until ctx is canceled.
// execute runs one task end to end (start, compute, complete).
func (r *Runtime) Run(ctx context.Context, workers int, execute func(store.TaskId)) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := r.next()
				if !ok {
					select {
					case <-ctx.Done():
						return
					case <-r.wake:
						continue
					}
				}
				execute(id)
				// Others may be waiting on the same wake slot.
				select {
				case r.wake <- struct{}{}:
				default:
				}
			}
		}()
	}
	wg.Wait()
}
