// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback records explicit user judgements of classifications
// and aggregates them into accuracy statistics.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrInvalidFeedback is returned by Submit for inconsistent input.
var ErrInvalidFeedback = errors.New("invalid feedback")

var feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "invoke",
	Subsystem: "feedback",
	Name:      "total",
	Help:      "Feedback records submitted",
}, []string{"correct"})

// Record is one user judgement. Records are never modified once appended.
type Record struct {
	ID                string              `json:"id"`
	Input             string              `json:"input"`
	PredictedCategory classifier.Category `json:"predicted_category"`
	Tier              classifier.Tier     `json:"tier"`
	IsCorrect         bool                `json:"is_correct"`
	CorrectedCategory classifier.Category `json:"corrected_category,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}

// Bucket aggregates one slice of the records.
type Bucket struct {
	Total        int64   `json:"total"`
	Correct      int64   `json:"correct"`
	AccuracyRate float64 `json:"accuracy_rate"`
}

// Stats aggregates every record.
type Stats struct {
	TotalCount   int64                          `json:"total_count"`
	CorrectCount int64                          `json:"correct_count"`
	AccuracyRate float64                        `json:"accuracy_rate"`
	ByCategory   map[classifier.Category]Bucket `json:"by_category"`
	ByTier       map[string]Bucket              `json:"by_tier"`
}

// Store persists records. Implementations must return records from Load
// in append order.
type Store interface {
	Append(ctx context.Context, r Record) error
	Load(ctx context.Context) ([]Record, error)
}

// counter is a total/correct pair updated without locks.
type counter struct {
	total   atomic.Int64
	correct atomic.Int64
}

func (c *counter) add(correct bool) {
	c.total.Add(1)
	if correct {
		c.correct.Add(1)
	}
}

func (c *counter) bucket() Bucket {
	b := Bucket{Total: c.total.Load(), Correct: c.correct.Load()}
	if b.Correct > b.Total {
		// Loaded between the two adds of a concurrent append.
		b.Correct = b.Total
	}
	if b.Total > 0 {
		b.AccuracyRate = float64(b.Correct) / float64(b.Total)
	}
	return b
}

// node is an element of the append-only list, newest first.
type node struct {
	rec  Record
	next *node
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every record to s.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger is the append-only feedback log.
//
// Description:
//
//	Appends publish a new list head with compare-and-swap and bump atomic
//	counters, so concurrent Submits never take a lock. Stats reads only the
//	counters; Records walks the list. The two views converge once
//	concurrent appends return.
//
// Thread Safety: Ledger is safe for concurrent use.
type Ledger struct {
	head atomic.Pointer[node]

	all        counter
	byCategory map[classifier.Category]*counter
	byTier     map[classifier.Tier]*counter

	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates an empty Ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		byCategory: make(map[classifier.Category]*counter),
		byTier: map[classifier.Tier]*counter{
			classifier.TierExact:     {},
			classifier.TierRule:      {},
			classifier.TierInference: {},
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	// Both maps are fully populated here and only read afterwards.
	for _, c := range classifier.AllCategories() {
		l.byCategory[c] = &counter{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit records one judgement of result.
//
// Description:
//
//	A corrected category may only accompany isCorrect == false and must be
//	a known category. With a Store configured the record is persisted
//	before it becomes visible; a persistence failure leaves the ledger
//	unchanged.
//
// Inputs:
//
//	ctx - Bounds persistence.
//	input - The classified utterance.
//	result - The classification being judged.
//	isCorrect - The user's verdict.
//	corrected - Optional category the user says was right.
//
// Outputs:
//
//	Record - The appended record.
//	error - ErrInvalidFeedback, or the store's error.
func (l *Ledger) Submit(ctx context.Context, input string, result *classifier.Result, isCorrect bool, corrected *classifier.Category) (Record, error) {
	if result == nil {
		return Record{}, fmt.Errorf("%w: result is required", ErrInvalidFeedback)
	}
	if !result.Category.Valid() {
		return Record{}, fmt.Errorf("%w: unknown predicted category %q", ErrInvalidFeedback, result.Category)
	}
	if _, ok := l.byTier[result.Tier]; !ok {
		return Record{}, fmt.Errorf("%w: unknown tier %d", ErrInvalidFeedback, int(result.Tier))
	}
	rec := Record{
		ID:                uuid.NewString(),
		Input:             strings.TrimSpace(input),
		PredictedCategory: result.Category,
		Tier:              result.Tier,
		IsCorrect:         isCorrect,
		Timestamp:         l.now().UTC(),
	}
	if corrected != nil && *corrected != "" {
		if isCorrect {
			return Record{}, fmt.Errorf("%w: corrected category given for a correct classification", ErrInvalidFeedback)
		}
		if !corrected.Valid() {
			return Record{}, fmt.Errorf("%w: unknown corrected category %q", ErrInvalidFeedback, *corrected)
		}
		rec.CorrectedCategory = *corrected
	}

	if l.store != nil {
		if err := l.store.Append(ctx, rec); err != nil {
			l.logger.Error("persist feedback failed",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
			return Record{}, fmt.Errorf("persist feedback: %w", err)
		}
	}
	l.append(rec)
	feedbackTotal.WithLabelValues(fmt.Sprint(isCorrect)).Inc()
	l.logger.Debug("feedback recorded",
		slog.String("id", rec.ID),
		slog.String("category", string(rec.PredictedCategory)),
		slog.String("tier", rec.Tier.String()),
		slog.Bool("correct", rec.IsCorrect))
	return rec, nil
}

func (l *Ledger) append(rec Record) {
	n := &node{rec: rec}
	for {
		old := l.head.Load()
		n.next = old
		if l.head.CompareAndSwap(old, n) {
			break
		}
	}
	l.all.add(rec.IsCorrect)
	l.byCategory[rec.PredictedCategory].add(rec.IsCorrect)
	l.byTier[rec.Tier].add(rec.IsCorrect)
}

// Restore appends every record from the store without writing them back.
// Call it once, before the first Submit.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	recs, err := l.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load feedback: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if !rec.PredictedCategory.Valid() || l.byTier[rec.Tier] == nil {
			l.logger.Warn("skipping invalid stored feedback", slog.String("id", rec.ID))
			continue
		}
		l.append(rec)
		n++
	}
	l.logger.Info("feedback restored", slog.Int("records", n))
	return n, nil
}

// Records returns every record in append order.
func (l *Ledger) Records() []Record {
	var out []Record
	for n := l.head.Load(); n != nil; n = n.next {
		out = append(out, n.rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Stats returns the current aggregates. Every category and tier is
// present, with zero counts when no feedback names it.
func (l *Ledger) Stats() Stats {
	all := l.all.bucket()
	s := Stats{
		TotalCount:   all.Total,
		CorrectCount: all.Correct,
		AccuracyRate: all.AccuracyRate,
		ByCategory:   make(map[classifier.Category]Bucket, len(l.byCategory)),
		ByTier:       make(map[string]Bucket, len(l.byTier)),
	}
	for c, ctr := range l.byCategory {
		s.ByCategory[c] = ctr.bucket()
	}
	for t, ctr := range l.byTier {
		s.ByTier[t.String()] = ctr.bucket()
	}
	return s
}
