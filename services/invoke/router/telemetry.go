// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
)

// Record is the per-call telemetry emitted by the Router.
type Record struct {
	Tier           classifier.Tier
	Source         classifier.Source
	Category       classifier.Category
	LatencyMs      float64
	FallbackReason string
	Failed         bool
	At             time.Time
}

// Sink receives Router telemetry. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record)

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, rec Record) { f(ctx, rec) }

// MultiSink fans a record out to several sinks in order.
type MultiSink []Sink

// Record forwards rec to every sink.
func (m MultiSink) Record(ctx context.Context, rec Record) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}

// =============================================================================
// PrometheusSink
// =============================================================================

// PrometheusSink exports records through the package-level collectors.
type PrometheusSink struct{}

// NewPrometheusSink returns a sink backed by promauto collectors.
func NewPrometheusSink() *PrometheusSink { return &PrometheusSink{} }

// Record observes latency and counts the outcome.
func (PrometheusSink) Record(_ context.Context, rec Record) {
	if rec.Failed {
		recordFailure(rec.LatencyMs / 1000)
		return
	}
	recordClassification(rec.Tier.String(), string(rec.Source), string(rec.Category), rec.LatencyMs/1000)
}

// =============================================================================
// LogSink
// =============================================================================

// LogSink writes each record at Debug level, and failures at Warn.
type LogSink struct {
	Logger *slog.Logger
}

// Record logs rec.
func (s LogSink) Record(ctx context.Context, rec Record) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if rec.Failed {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "classification",
		slog.Int("tier", int(rec.Tier)),
		slog.String("source", string(rec.Source)),
		slog.String("category", string(rec.Category)),
		slog.Float64("latency_ms", rec.LatencyMs),
		slog.String("fallback_reason", rec.FallbackReason),
		slog.Bool("failed", rec.Failed),
	)
}

// =============================================================================
// LatencyRecorder
// =============================================================================

// DefaultLatencyWindow is the number of samples kept per tier.
const DefaultLatencyWindow = 1024

// LatencyRecorder keeps a sliding window of latencies per tier for
// percentile reporting.
//
// Thread Safety: This type is safe for concurrent use.
type LatencyRecorder struct {
	mu      sync.Mutex
	window  int
	samples map[classifier.Tier]*ring
	counts  map[classifier.Tier]int64
	sources map[classifier.Source]int64
	fails   int64
}

type ring struct {
	buf  []float64
	next int
	full bool
}

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) values() []float64 {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]float64, n)
	copy(out, r.buf[:n])
	return out
}

// NewLatencyRecorder creates a recorder keeping window samples per tier.
// A non-positive window uses DefaultLatencyWindow.
func NewLatencyRecorder(window int) *LatencyRecorder {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &LatencyRecorder{
		window:  window,
		samples: make(map[classifier.Tier]*ring),
		counts:  make(map[classifier.Tier]int64),
		sources: make(map[classifier.Source]int64),
	}
}

// Record adds rec's latency to its tier's window.
func (l *LatencyRecorder) Record(_ context.Context, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Failed {
		l.fails++
		return
	}
	r, ok := l.samples[rec.Tier]
	if !ok {
		r = &ring{buf: make([]float64, l.window)}
		l.samples[rec.Tier] = r
	}
	r.add(rec.LatencyMs)
	l.counts[rec.Tier]++
	l.sources[rec.Source]++
}

// Percentile returns the p-th percentile (0 < p <= 1) latency in
// milliseconds for tier, using nearest rank. Returns 0 with no samples.
func (l *LatencyRecorder) Percentile(tier classifier.Tier, p float64) float64 {
	l.mu.Lock()
	r, ok := l.samples[tier]
	var vals []float64
	if ok {
		vals = r.values()
	}
	l.mu.Unlock()
	return percentile(vals, p)
}

// TierStats summarizes one tier.
type TierStats struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// LatencySnapshot summarizes all tiers.
type LatencySnapshot struct {
	Tiers    map[string]TierStats `json:"tiers"`
	Sources  map[string]int64     `json:"sources"`
	Failures int64                `json:"failures"`
}

// Snapshot returns per-tier counts and percentiles.
func (l *LatencyRecorder) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := LatencySnapshot{
		Tiers:    make(map[string]TierStats, len(l.samples)),
		Sources:  make(map[string]int64, len(l.sources)),
		Failures: l.fails,
	}
	for tier, r := range l.samples {
		vals := r.values()
		snap.Tiers[tier.String()] = TierStats{
			Count: l.counts[tier],
			P50Ms: percentile(vals, 0.50),
			P95Ms: percentile(vals, 0.95),
			P99Ms: percentile(vals, 0.99),
		}
	}
	for src, n := range l.sources {
		snap.Sources[string(src)] = n
	}
	return snap
}

// percentile uses nearest rank over a copy of vals.
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
