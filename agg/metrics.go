// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agg

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for aggregation operations.
var meter = otel.Meter("taskgraph.agg")

// Metrics for queue processing.
var (
	jobsProcessed    metric.Int64Counter
	balanceConflicts metric.Int64Counter
	optimizeRaises   metric.Int64Counter
	retryRequeues    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		jobsProcessed, err = meter.Int64Counter(
			"agg_jobs_processed_total",
			metric.WithDescription("Aggregation queue units of work processed, by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		balanceConflicts, err = meter.Int64Counter(
			"agg_balance_conflicts_total",
			metric.WithDescription("Balance checks that hit equal aggregation numbers"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		optimizeRaises, err = meter.Int64Counter(
			"agg_optimize_raises_total",
			metric.WithDescription("Aggregation-number raises triggered by the fan-out bound"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		retryRequeues, err = meter.Int64Counter(
			"agg_retry_requeues_total",
			metric.WithDescription("Edge-removal jobs re-enqueued after exhausting their retry budget"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordJob(kind string) {
	recordJobN(kind, 1)
}

func recordJobN(kind string, n int) {
	if jobsProcessed == nil {
		return
	}
	jobsProcessed.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("kind", kind)))
}

func recordBalanceConflict() {
	if balanceConflicts == nil {
		return
	}
	balanceConflicts.Add(context.Background(), 1)
}

func recordOptimize() {
	if optimizeRaises == nil {
		return
	}
	optimizeRaises.Add(context.Background(), 1)
}

func recordRetryRequeue(kind string) {
	if retryRequeues == nil {
		return
	}
	retryRequeues.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}
