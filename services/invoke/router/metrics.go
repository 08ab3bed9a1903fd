// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Routing
// =============================================================================

var (
	// routerLatency measures end-to-end Router.Classify latency.
	// Labels: tier (tier1, tier2, tier3), source (local, cloud)
	routerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoke",
		Subsystem: "router",
		Name:      "latency_seconds",
		Help:      "Router classification latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.3, 0.5, 1.0, 5.0},
	}, []string{"tier", "source"})

	// routerClassifications counts decisions.
	// Labels: tier, category
	routerClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "router",
		Name:      "classifications_total",
		Help:      "Total classifications by tier and category",
	}, []string{"tier", "category"})

	// routerFailures counts calls that could not be routed.
	routerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "router",
		Name:      "failures_total",
		Help:      "Total classifications that could not be routed",
	})

	// routerFailureLatency measures how long failing calls took.
	routerFailureLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "invoke",
		Subsystem: "router",
		Name:      "failure_latency_seconds",
		Help:      "Latency of classifications that could not be routed",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1.0, 2.5, 5.0, 10.0},
	})
)

func recordClassification(tier, source, category string, seconds float64) {
	routerLatency.WithLabelValues(tier, source).Observe(seconds)
	routerClassifications.WithLabelValues(tier, category).Inc()
}

func recordFailure(seconds float64) {
	routerFailures.Inc()
	routerFailureLatency.Observe(seconds)
}
