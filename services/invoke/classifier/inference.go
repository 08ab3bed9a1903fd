// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Configuration
// =============================================================================

// InferenceConfig configures the Tier 3 classifier.
//
// Thread Safety: Copied at construction. LocalTimeout can later be changed
// with SetLocalTimeout.
type InferenceConfig struct {
	// LocalTimeout bounds one local inference attempt. Must be > 0.
	LocalTimeout time.Duration

	// CloudTimeout bounds one cloud attempt. Must be > 0.
	CloudTimeout time.Duration

	// CacheTTL enables the result cache when > 0.
	CacheTTL time.Duration

	// CacheMaxSize is required when CacheTTL > 0.
	CacheMaxSize int
}

// DefaultInferenceConfig returns a 300ms local budget, a 5s cloud budget and
// a 10 minute, 1000 entry cache.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		LocalTimeout: 300 * time.Millisecond,
		CloudTimeout: 5 * time.Second,
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 1000,
	}
}

// Validate checks the configuration.
func (c InferenceConfig) Validate() error {
	if c.LocalTimeout <= 0 {
		return fmt.Errorf("local timeout must be > 0, got %v", c.LocalTimeout)
	}
	if c.CloudTimeout <= 0 {
		return fmt.Errorf("cloud timeout must be > 0, got %v", c.CloudTimeout)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must be >= 0, got %v", c.CacheTTL)
	}
	if c.CacheTTL > 0 && c.CacheMaxSize <= 0 {
		return fmt.Errorf("cache max size must be > 0 when caching is enabled, got %d", c.CacheMaxSize)
	}
	return nil
}

// InferenceOption customizes an InferenceClassifier.
type InferenceOption func(*InferenceClassifier)

// WithInferenceLogger sets the logger. Default: slog.Default().
func WithInferenceLogger(logger *slog.Logger) InferenceOption {
	return func(c *InferenceClassifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// =============================================================================
// InferenceClassifier
// =============================================================================

// InferenceClassifier is Tier 3: local model inference with cloud fallback.
//
// Description:
//
//	Always produces a result or ErrFallbackExhausted. Local inference runs
//	first under LocalTimeout. If the model is not loaded, the attempt times
//	out, or it fails, the cloud client is called once, after the local
//	attempt has been abandoned. The two paths never race and their results
//	are never merged.
//
//	Identical concurrent inputs are coalesced so a burst of the same
//	utterance pays for one inference. Successful results are cached when
//	CacheTTL > 0.
//
// Thread Safety: This type is safe for concurrent use.
type InferenceClassifier struct {
	local        LocalInferenceEngine
	cloud        CloudFallbackClient
	config       InferenceConfig
	localTimeout atomic.Int64
	cache        *ResultCache
	inflight     singleflight.Group
	logger       *slog.Logger
}

// NewInferenceClassifier creates a Tier 3 classifier.
//
// Inputs:
//
//	local - On-device engine. May be nil, which behaves as never loaded.
//	cloud - Cloud fallback. May be nil, which behaves as always unavailable.
//	config - Validated configuration.
//	opts - Optional settings.
//
// Outputs:
//
//	*InferenceClassifier - Ready to use.
//	error - If config is invalid or both collaborators are nil.
//
// Example:
//
//	tier3, err := NewInferenceClassifier(ollama, anthropicClient, DefaultInferenceConfig())
//	if err != nil {
//	    return err
//	}
//	result, err := tier3.Classify(ctx, "帮我看一下这个项目的架构")
func NewInferenceClassifier(
	local LocalInferenceEngine,
	cloud CloudFallbackClient,
	config InferenceConfig,
	opts ...InferenceOption,
) (*InferenceClassifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if local == nil && cloud == nil {
		return nil, errors.New("at least one of local engine or cloud client is required")
	}

	c := &InferenceClassifier{
		local:  local,
		cloud:  cloud,
		config: config,
		logger: slog.Default(),
	}
	c.localTimeout.Store(int64(config.LocalTimeout))
	if config.CacheTTL > 0 {
		c.cache = NewResultCache(config.CacheTTL, config.CacheMaxSize)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LocalTimeout returns the current local inference budget.
func (c *InferenceClassifier) LocalTimeout() time.Duration {
	return time.Duration(c.localTimeout.Load())
}

// SetLocalTimeout changes the local inference budget for subsequent calls.
// Non-positive values are ignored.
//
// Thread Safety: This method is safe for concurrent use.
func (c *InferenceClassifier) SetLocalTimeout(d time.Duration) {
	if d > 0 {
		c.localTimeout.Store(int64(d))
	}
}

// Cache returns the result cache, or nil when caching is disabled.
func (c *InferenceClassifier) Cache() *ResultCache {
	return c.cache
}

// Classify produces a Tier 3 result.
//
// Description:
//
//	Empty input short-circuits to no_tool_needed at confidence 0.5 without
//	calling either engine. Otherwise see the type documentation.
//
// Inputs:
//
//	ctx - Caller context. Cancellation returns ctx.Err() to this caller
//	      only; an attempt shared with other callers runs on within its
//	      timeouts.
//	input - The user utterance.
//
// Outputs:
//
//	*Result - Tier 3 result. Source is cloud if fallback was used.
//	error - *FallbackExhaustedError if both paths failed, or ctx.Err() if
//	        the caller gave up first.
//
// Thread Safety: This method is safe for concurrent use.
func (c *InferenceClassifier) Classify(ctx context.Context, input string) (*Result, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "classifier.InferenceClassifier.Classify",
		trace.WithAttributes(attribute.Int("input_length", len(input))),
	)
	defer span.End()

	normalized := normalizeInput(input)
	if normalized == "" {
		span.SetAttributes(attribute.String("match_type", MatchEmptyInput))
		return &Result{
			Category:   CategoryNoToolNeeded,
			Confidence: ConfidenceEmpty,
			Tier:       TierInference,
			Source:     SourceLocal,
			MatchType:  MatchEmptyInput,
		}, nil
	}

	if c.cache != nil {
		if cached, ok := c.cache.Get(normalized); ok {
			recordCacheLookup(true)
			span.SetAttributes(attribute.Bool("cached", true))
			return cached, nil
		}
		recordCacheLookup(false)
	}

	// The shared attempt must not inherit one waiter's cancellation. It is
	// still bounded by the local and cloud timeouts.
	flight := c.inflight.DoChan(normalized, func() (any, error) {
		res, err := c.classifyUncached(context.WithoutCancel(ctx), normalized)
		if err == nil && c.cache != nil {
			c.cache.Set(normalized, res)
		}
		return res, err
	})

	var out singleflight.Result
	select {
	case out = <-flight:
	case <-ctx.Done():
		span.SetStatus(codes.Error, "caller cancelled")
		return nil, ctx.Err()
	}
	if out.Shared {
		recordCoalesced()
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "tier 3 failed")
		return nil, out.Err
	}

	result := out.Val.(*Result).Clone()
	span.SetAttributes(
		attribute.String("category", string(result.Category)),
		attribute.String("source", string(result.Source)),
		attribute.Float64("confidence", result.Confidence),
		attribute.String("fallback_reason", result.FallbackReason),
	)
	return result, nil
}

// classifyUncached runs local then, if needed, cloud.
func (c *InferenceClassifier) classifyUncached(ctx context.Context, input string) (*Result, error) {
	result, localErr := c.classifyLocal(ctx, input)
	if localErr == nil {
		return result, nil
	}

	reason := fallbackReason(localErr)
	recordFallback(reasonLabel(localErr))
	c.logger.Info("tier 3 falling back to cloud",
		slog.String("fallback_reason", reason),
		slog.String("error", localErr.Error()),
	)

	result, cloudErr := c.classifyCloud(ctx, input, reason)
	if cloudErr == nil {
		return result, nil
	}

	recordExhausted()
	c.logger.Error("tier 3 fallback exhausted",
		slog.String("local_error", localErr.Error()),
		slog.String("cloud_error", cloudErr.Error()),
	)
	return nil, &FallbackExhaustedError{LocalErr: localErr, CloudErr: cloudErr}
}

type localOutcome struct {
	result *Result
	err    error
}

// classifyLocal runs one bounded local attempt.
//
// The engine call runs on its own goroutine writing to a buffered channel,
// so an engine that overruns the timeout can finish in the background
// without blocking. Its late result is discarded.
func (c *InferenceClassifier) classifyLocal(ctx context.Context, input string) (*Result, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "classifier.InferenceClassifier.classifyLocal")
	defer span.End()

	start := time.Now()
	if c.local == nil {
		recordAttempt("local", "not_loaded", 0)
		span.SetAttributes(attribute.Bool("loaded", false))
		return nil, ErrModelNotLoaded
	}

	// The loaded check and the inference share one budget.
	timeout := c.LocalTimeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !c.local.IsLoaded(attemptCtx) {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			recordAttempt("local", "timeout", time.Since(start).Seconds())
			span.SetStatus(codes.Error, "timeout")
			return nil, fmt.Errorf("%w: loaded check exceeded %v", ErrInferenceTimeout, timeout)
		}
		recordAttempt("local", "not_loaded", time.Since(start).Seconds())
		span.SetAttributes(attribute.Bool("loaded", false))
		return nil, ErrModelNotLoaded
	}
	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		recordAttempt("local", "timeout", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w after %v", ErrInferenceTimeout, timeout)
	}

	done := make(chan localOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- localOutcome{err: fmt.Errorf("%w: panic: %v", ErrInferenceFault, r)}
			}
		}()
		res, err := c.local.Classify(attemptCtx, input, remaining)
		done <- localOutcome{result: res, err: err}
	}()

	var out localOutcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		recordAttempt("local", "timeout", time.Since(start).Seconds())
		span.SetStatus(codes.Error, "timeout")
		return nil, fmt.Errorf("%w after %v", ErrInferenceTimeout, timeout)
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			recordAttempt("local", "timeout", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %v", ErrInferenceTimeout, out.err)
		}
		recordAttempt("local", "error", time.Since(start).Seconds())
		span.RecordError(out.err)
		if errors.Is(out.err, ErrInferenceFault) || errors.Is(out.err, ErrModelNotLoaded) {
			return nil, out.err
		}
		return nil, fmt.Errorf("%w: %v", ErrInferenceFault, out.err)
	}
	if out.result == nil {
		recordAttempt("local", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: engine returned no result", ErrInferenceFault)
	}

	recordAttempt("local", "success", time.Since(start).Seconds())
	return localResult(input, out.result), nil
}

// classifyCloud runs one bounded cloud attempt.
func (c *InferenceClassifier) classifyCloud(ctx context.Context, input, reason string) (*Result, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "classifier.InferenceClassifier.classifyCloud",
		trace.WithAttributes(attribute.String("fallback_reason", reason)),
	)
	defer span.End()

	if c.cloud == nil {
		return nil, ErrCloudUnavailable
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.CloudTimeout)
	defer cancel()

	res, err := c.cloud.Classify(attemptCtx, input)
	if err != nil {
		recordAttempt("cloud", "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "cloud failed")
		return nil, err
	}
	if res == nil {
		recordAttempt("cloud", "error", time.Since(start).Seconds())
		return nil, errors.New("cloud client returned no result")
	}
	recordAttempt("cloud", "success", time.Since(start).Seconds())

	category := res.Category
	if !category.Valid() {
		category = HeuristicCategory(input)
	}
	return &Result{
		Category:       category,
		Tool:           res.Tool,
		Confidence:     ConfidenceCloud,
		Tier:           TierInference,
		Source:         SourceCloud,
		MatchType:      MatchCloudModel,
		FallbackReason: reason,
	}, nil
}

// localResult rescales the engine's certainty and pins the Tier 3 fields.
func localResult(input string, res *Result) *Result {
	certainty := res.Confidence
	if certainty < 0 {
		certainty = 0
	}
	if certainty > 1 {
		certainty = 1
	}

	category := res.Category
	matchType := res.MatchType
	if !category.Valid() {
		category = HeuristicCategory(input)
		matchType = MatchHeuristic
		certainty = 0
	}
	if strings.TrimSpace(matchType) == "" {
		matchType = MatchLocalModel
	}

	return &Result{
		Category:   category,
		Tool:       res.Tool,
		Confidence: ConfidenceLocalBase + ConfidenceLocalSpan*certainty,
		Tier:       TierInference,
		Source:     SourceLocal,
		MatchType:  matchType,
	}
}
