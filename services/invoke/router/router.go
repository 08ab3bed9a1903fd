// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router composes the three classification tiers into one decision.
//
// Tier 1 (exact match) and Tier 2 (rules) are pure and synchronous. Tier 3
// (inference) may block and is the only tier allowed to fail. Tiers run
// strictly in order; a hit at a higher tier means lower tiers are never
// consulted.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeterministicClassifier is a synchronous tier that may decline to answer.
type DeterministicClassifier interface {
	Classify(input string) (*classifier.Result, bool)
}

// FallbackClassifier is the last-resort tier. It answers or fails.
type FallbackClassifier interface {
	Classify(ctx context.Context, input string) (*classifier.Result, error)
}

// Option customizes a Router.
type Option func(*Router)

// WithSink sets the telemetry sink. Default: a PrometheusSink.
func WithSink(sink Sink) Option {
	return func(r *Router) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithBatchConcurrency bounds parallel classification in ClassifyBatch.
// Non-positive values are ignored. Default: DefaultBatchConcurrency.
func WithBatchConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.batchConcurrency = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Router runs Tier 1, Tier 2 and Tier 3 in strict precedence.
//
// Thread Safety: Router holds no per-call state and is safe for concurrent
// use; independent calls may run in parallel.
type Router struct {
	exact            DeterministicClassifier
	rules            DeterministicClassifier
	inference        FallbackClassifier
	sink             Sink
	logger           *slog.Logger
	now              func() time.Time
	batchConcurrency int
}

// New creates a Router.
//
// Inputs:
//
//	exact - Tier 1. Must not be nil.
//	rules - Tier 2. Must not be nil.
//	inference - Tier 3. Must not be nil.
//	opts - Optional settings.
//
// Outputs:
//
//	*Router - Ready to use.
//	error - If any tier is nil.
//
// Example:
//
//	r, err := router.New(
//	    classifier.NewExactMatchClassifier(),
//	    classifier.NewRuleClassifier(),
//	    tier3,
//	    router.WithSink(router.MultiSink{router.NewPrometheusSink(), recorder}),
//	)
func New(exact, rules DeterministicClassifier, inference FallbackClassifier, opts ...Option) (*Router, error) {
	if exact == nil || rules == nil || inference == nil {
		return nil, errors.New("router requires all three tiers")
	}
	r := &Router{
		exact:            exact,
		rules:            rules,
		inference:        inference,
		sink:             NewPrometheusSink(),
		logger:           slog.Default(),
		now:              time.Now,
		batchConcurrency: DefaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Classify decides which category, and optionally which tool, handles input.
//
// Description:
//
//	Calls Tier 1; on a hit returns immediately. Else Tier 2; on a hit returns
//	immediately. Else Tier 3, returning its result or its failure. Emits one
//	telemetry Record per call, successful or not.
//
// Inputs:
//
//	ctx - Bounds Tier 3 only. Tiers 1 and 2 never block.
//	input - The user utterance.
//
// Outputs:
//
//	*classifier.Result - The decision, with LatencyMs set to total time.
//	error - Wraps classifier.ErrFallbackExhausted when Tier 3 cannot
//	        answer, or is ctx.Err() if the caller gave up.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Router) Classify(ctx context.Context, input string) (*classifier.Result, error) {
	ctx, span := otel.Tracer("router").Start(ctx, "router.Router.Classify",
		trace.WithAttributes(attribute.Int("input_length", len(input))),
	)
	defer span.End()

	start := r.now()

	if res, ok := r.exact.Classify(input); ok {
		return r.finish(ctx, span, start, res), nil
	}
	if res, ok := r.rules.Classify(input); ok {
		return r.finish(ctx, span, start, res), nil
	}

	res, err := r.inference.Classify(ctx, input)
	if err != nil {
		latency := msSince(r.now(), start)
		r.sink.Record(ctx, Record{
			Tier:      classifier.TierInference,
			LatencyMs: latency,
			Failed:    true,
			At:        start,
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		if errors.Is(err, classifier.ErrFallbackExhausted) {
			r.logger.Error("could not route request",
				slog.Float64("latency_ms", latency),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return r.finish(ctx, span, start, res), nil
}

// finish stamps latency, emits telemetry and annotates the span.
func (r *Router) finish(ctx context.Context, span trace.Span, start time.Time, res *classifier.Result) *classifier.Result {
	out := res.Clone()
	out.LatencyMs = msSince(r.now(), start)

	r.sink.Record(ctx, Record{
		Tier:           out.Tier,
		Source:         out.Source,
		Category:       out.Category,
		LatencyMs:      out.LatencyMs,
		FallbackReason: out.FallbackReason,
		At:             start,
	})
	span.SetAttributes(
		attribute.Int("tier", int(out.Tier)),
		attribute.String("source", string(out.Source)),
		attribute.String("category", string(out.Category)),
		attribute.String("match_type", out.MatchType),
		attribute.Float64("latency_ms", out.LatencyMs),
	)
	return out
}

func msSince(now, start time.Time) float64 {
	return float64(now.Sub(start)) / float64(time.Millisecond)
}
