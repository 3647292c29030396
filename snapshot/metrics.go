// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("taskgraph.snapshot")

var (
	snapshotDuration metric.Float64Histogram
	snapshotTasks    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		snapshotDuration, err = meter.Float64Histogram(
			"snapshot_duration_seconds",
			metric.WithDescription("Wall time spent writing one snapshot"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		snapshotTasks, err = meter.Int64Counter(
			"snapshot_tasks_written_total",
			metric.WithDescription("Task records written across all snapshots"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSnapshotDuration(ctx context.Context, d time.Duration, tasks int) {
	initMetrics()
	if snapshotDuration == nil {
		return
	}
	snapshotDuration.Record(ctx, d.Seconds())
	snapshotTasks.Add(ctx, int64(tasks))
}
