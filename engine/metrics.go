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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter  = otel.Meter("taskgraph.engine")
	tracer = otel.Tracer("taskgraph.engine")
)

var (
	completions            metric.Int64Counter
	dependentInvalidations metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		completions, err = meter.Int64Counter(
			"engine_completions_total",
			metric.WithDescription("Task execution completions, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		dependentInvalidations, err = meter.Int64Counter(
			"engine_dependent_invalidations_total",
			metric.WithDescription("Dependents invalidated by changed task outputs"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCompletion(outcome string) {
	if completions == nil {
		return
	}
	completions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
