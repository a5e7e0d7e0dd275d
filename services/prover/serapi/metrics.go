// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serapi

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for session operations.
var (
	tracer = otel.Tracer("aleutian.prover.serapi")
	meter  = otel.Meter("aleutian.prover.serapi")
)

// Metrics for session operations.
var (
	commandLatency metric.Float64Histogram
	commandTotal   metric.Int64Counter
	restartTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		commandLatency, err = meter.Float64Histogram(
			"serapi_command_duration_seconds",
			metric.WithDescription("Duration of session commands"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commandTotal, err = meter.Int64Counter(
			"serapi_commands_total",
			metric.WithDescription("Total number of session commands by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		restartTotal, err = meter.Int64Counter(
			"serapi_restarts_total",
			metric.WithDescription("Total number of sertop restarts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startSessionSpan creates a span for a session operation.
func startSessionSpan(ctx context.Context, operation, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Session."+operation,
		trace.WithAttributes(
			attribute.String("serapi.operation", operation),
			attribute.String("serapi.session", name),
		),
	)
}

// recordCommand records one command round trip.
func recordCommand(ctx context.Context, kind, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	commandLatency.Record(ctx, duration.Seconds(), attrs)
	commandTotal.Add(ctx, 1, attrs)
}

// recordRestart records a sertop restart.
func recordRestart(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	restartTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// outcomeLabel maps an error to a metric label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isStepRejected(err):
		return "rejected"
	case isTimeout(err):
		return "timeout"
	default:
		return "fault"
	}
}
