// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Tier 3
// =============================================================================

var (
	// inferenceLatency measures each Tier 3 path attempt.
	// Labels: path (local, cloud), outcome (success, timeout, error, not_loaded)
	inferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoke",
		Subsystem: "inference",
		Name:      "latency_seconds",
		Help:      "Tier 3 inference attempt latency in seconds",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1.0, 2.5, 5.0},
	}, []string{"path", "outcome"})

	// inferenceFallbacks counts local to cloud fallovers.
	// Labels: reason (model_not_loaded, timeout, fault)
	inferenceFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "inference",
		Name:      "fallbacks_total",
		Help:      "Total Tier 3 fallbacks from local inference to cloud",
	}, []string{"reason"})

	// inferenceExhausted counts calls where both paths failed.
	inferenceExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "inference",
		Name:      "exhausted_total",
		Help:      "Total Tier 3 calls where local and cloud both failed",
	})

	// inferenceCache counts cache lookups.
	// Labels: result (hit, miss)
	inferenceCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "inference",
		Name:      "cache_total",
		Help:      "Tier 3 result cache lookups",
	}, []string{"result"})

	// inferenceCoalesced counts callers that shared another caller's work.
	inferenceCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "inference",
		Name:      "coalesced_total",
		Help:      "Tier 3 calls served by an identical in-flight call",
	})
)

func recordAttempt(path, outcome string, seconds float64) {
	inferenceLatency.WithLabelValues(path, outcome).Observe(seconds)
}

func recordFallback(reason string) {
	inferenceFallbacks.WithLabelValues(reason).Inc()
}

func recordExhausted() {
	inferenceExhausted.Inc()
}

func recordCacheLookup(hit bool) {
	if hit {
		inferenceCache.WithLabelValues("hit").Inc()
		return
	}
	inferenceCache.WithLabelValues("miss").Inc()
}

func recordCoalesced() {
	inferenceCoalesced.Inc()
}
