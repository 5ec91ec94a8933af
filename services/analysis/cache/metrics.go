// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("clauselight.cache")
	meter  = otel.Meter("clauselight.cache")
)

var (
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	userCancels      metric.Int64Counter
	trackingRequests metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"analysis_cache_hits_total",
			metric.WithDescription("Requests served by an already-completed analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"analysis_cache_misses_total",
			metric.WithDescription("Requests that needed a new or in-flight analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		userCancels, err = meter.Int64Counter(
			"analysis_user_cancels_total",
			metric.WithDescription("Per-user cancellations (visibility suppression only)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		trackingRequests, err = meter.Int64Counter(
			"analysis_tracking_requests_total",
			metric.WithDescription("Per-user analysis tracking records created or refreshed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if cacheHits != nil {
		cacheHits.Add(ctx, 1)
	}
}

func recordMiss(ctx context.Context) {
	if cacheMisses != nil {
		cacheMisses.Add(ctx, 1)
	}
}

func recordUserCancel(ctx context.Context) {
	if userCancels != nil {
		userCancels.Add(ctx, 1)
	}
}

func recordTracking(ctx context.Context) {
	if trackingRequests != nil {
		trackingRequests.Add(ctx, 1)
	}
}
