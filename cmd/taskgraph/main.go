// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command taskgraph exercises the aggregation graph engine from the
// command line.
//
// Usage:
//
//	go run ./cmd/taskgraph sim --tasks 5000 --workers 8 --duration 10s
//	go run ./cmd/taskgraph snapshot --data-dir /tmp/taskgraph
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/taskgraph/pkg/logging"
)

var (
	rootCmd = &cobra.Command{
		Use:   "taskgraph",
		Short: "Tools for the taskgraph incremental-computation engine",
		Long: `taskgraph drives the in-process aggregation graph: stress
simulation under concurrent mutation, and snapshot write/restore against
a local BadgerDB.`,
	}

	logLevel  string
	logDir    string
	logJSON   bool
	telemetry bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for JSON log files (disabled when empty)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "JSON log output on stderr")
	rootCmd.PersistentFlags().BoolVar(&telemetry, "otel-stdout", false, "export OpenTelemetry metrics and traces to stdout")

	rootCmd.AddCommand(simCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func newLogger(service string) *logging.Logger {
	level := logging.LevelInfo
	switch logLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: service,
		JSON:    logJSON,
	})
}

// setupTelemetry installs stdout metric and trace exporters. Returns a
// shutdown func flushing both providers.
func setupTelemetry(ctx context.Context) (func(), error) {
	if !telemetry {
		return func() {}, nil
	}

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(meterProvider)

	traceExp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(tracerProvider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(shutdownCtx)
		_ = tracerProvider.Shutdown(shutdownCtx)
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
