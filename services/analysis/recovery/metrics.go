// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for recovery operations.
var (
	tracer = otel.Tracer("clauselight.recovery")
	meter  = otel.Meter("clauselight.recovery")
)

var (
	tasksDiscovered    metric.Int64Counter
	tasksResolved      metric.Int64Counter
	tasksExhausted     metric.Int64Counter
	validatedComplete  metric.Int64Counter
	integrityFallbacks metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		tasksDiscovered, err = meter.Int64Counter(
			"recovery_tasks_discovered_total",
			metric.WithDescription("Stalled tasks enqueued for recovery by the sweep"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tasksResolved, err = meter.Int64Counter(
			"recovery_tasks_resolved_total",
			metric.WithDescription("Queue entries resolved by a successful recovery dispatch"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tasksExhausted, err = meter.Int64Counter(
			"recovery_tasks_exhausted_total",
			metric.WithDescription("Queue entries that ran out of recovery attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		validatedComplete, err = meter.Int64Counter(
			"recovery_validated_complete_total",
			metric.WithDescription("Queue entries resolved because the work had already completed elsewhere"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		integrityFallbacks, err = meter.Int64Counter(
			"recovery_integrity_fallbacks_total",
			metric.WithDescription("Resume attempts downgraded to a clean restart after checkpoint verification failed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordDiscovered(ctx context.Context) {
	if tasksDiscovered != nil {
		tasksDiscovered.Add(ctx, 1)
	}
}

func recordResolved(ctx context.Context) {
	if tasksResolved != nil {
		tasksResolved.Add(ctx, 1)
	}
}

func recordExhausted(ctx context.Context) {
	if tasksExhausted != nil {
		tasksExhausted.Add(ctx, 1)
	}
}

func recordValidatedComplete(ctx context.Context) {
	if validatedComplete != nil {
		validatedComplete.Add(ctx, 1)
	}
}

func recordIntegrityFallback(ctx context.Context) {
	if integrityFallbacks != nil {
		integrityFallbacks.Add(ctx, 1)
	}
}
