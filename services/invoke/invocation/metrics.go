// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invocation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Anomaly kinds, used as the kind label and in log messages.
const (
	anomalyOrphan         = "orphan_fragment"
	anomalyTerminal       = "terminal_target"
	anomalyFrozenArgs     = "args_after_finalize"
	anomalyDuplicateStart = "duplicate_start"
	anomalyDuplicate      = "collapsed_duplicate"
	anomalyDiscardedTurn  = "discarded_turn"
	anomalyForgottenTurn  = "forgotten_turn"
	anomalyTransition     = "invalid_transition"
	anomalyMalformed      = "malformed_fragment"
)

var (
	// fragmentsTotal counts applied fragments.
	// Labels: kind
	fragmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "invocation",
		Name:      "fragments_total",
		Help:      "Fragments applied to turn registries",
	}, []string{"kind"})

	// transitionsTotal counts lifecycle transitions.
	// Labels: from, to
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "invocation",
		Name:      "transitions_total",
		Help:      "Invocation state transitions",
	}, []string{"from", "to"})

	// anomaliesTotal counts absorbed lifecycle anomalies.
	// Labels: kind
	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoke",
		Subsystem: "invocation",
		Name:      "anomalies_total",
		Help:      "Fragments and lifecycle calls dropped as no-ops",
	}, []string{"kind"})

	// executionsInFlight tracks running executor goroutines.
	executionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoke",
		Subsystem: "invocation",
		Name:      "executions_in_flight",
		Help:      "Executor calls currently running",
	})

	// executionDuration measures executor calls.
	// Labels: success
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoke",
		Subsystem: "invocation",
		Name:      "execution_duration_seconds",
		Help:      "Executor call duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"success"})

	// activeTurns tracks turns held by aggregators.
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoke",
		Subsystem: "invocation",
		Name:      "active_turns",
		Help:      "Turns currently registered",
	})
)

func recordFragment(kind FragmentKind) {
	fragmentsTotal.WithLabelValues(string(kind)).Inc()
}

func recordTransition(from, to State) {
	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

func recordAnomaly(kind string) {
	anomaliesTotal.WithLabelValues(kind).Inc()
}

func recordExecution(success bool, seconds float64) {
	label := "false"
	if success {
		label = "true"
	}
	executionDuration.WithLabelValues(label).Observe(seconds)
}
