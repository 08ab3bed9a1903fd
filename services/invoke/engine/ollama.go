// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine provides the inference backends used by Tier 3: a local
// Ollama engine and Anthropic and OpenAI cloud fallback clients.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.invoke.engine")

// OllamaConfig configures the local engine.
type OllamaConfig struct {
	// BaseURL of the Ollama server, e.g. "http://localhost:11434".
	BaseURL string

	// Model to classify with. Must be resident to count as loaded.
	Model string

	// LoadedTTL is how long an IsLoaded answer is reused. Default 2s.
	LoadedTTL time.Duration

	// StatusTimeout bounds the /api/ps request behind IsLoaded. Default 250ms.
	StatusTimeout time.Duration
}

// OllamaEngine implements classifier.LocalInferenceEngine against Ollama.
//
// Thread Safety: This type is safe for concurrent use.
type OllamaEngine struct {
	httpClient *http.Client
	baseURL    string
	model      string
	loadedTTL  time.Duration
	psTimeout  time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	loaded    bool
	checkedAt time.Time
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type ollamaPSResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// NewOllamaEngine creates a local engine.
//
// Outputs:
//
//	*OllamaEngine - Ready to use.
//	error - If BaseURL or Model is empty.
func NewOllamaEngine(cfg OllamaConfig, logger *slog.Logger) (*OllamaEngine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ollama base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("ollama model is required")
	}
	if cfg.LoadedTTL <= 0 {
		cfg.LoadedTTL = 2 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaEngine{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		loadedTTL:  cfg.LoadedTTL,
		psTimeout:  cfg.StatusTimeout,
		logger:     logger,
	}, nil
}

// IsLoaded reports whether the configured model is resident in Ollama.
//
// The answer is cached for LoadedTTL. A failed /api/ps request counts as not
// loaded. The request is bounded by both StatusTimeout and ctx, so callers can
// fold it into their own inference budget.
func (o *OllamaEngine) IsLoaded(ctx context.Context) bool {
	o.mu.Lock()
	if !o.checkedAt.IsZero() && time.Since(o.checkedAt) < o.loadedTTL {
		loaded := o.loaded
		o.mu.Unlock()
		return loaded
	}
	o.mu.Unlock()

	loaded := o.fetchLoaded(ctx)
	if ctx.Err() != nil {
		// Cut short by the caller's budget; not an answer worth caching.
		return false
	}

	o.mu.Lock()
	o.loaded = loaded
	o.checkedAt = time.Now()
	o.mu.Unlock()
	return loaded
}

func (o *OllamaEngine) fetchLoaded(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.psTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/ps", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Debug("ollama status check failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var ps ollamaPSResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return false
	}
	for _, m := range ps.Models {
		if sameModel(m.Name, o.model) || sameModel(m.Model, o.model) {
			return true
		}
	}
	return false
}

// sameModel treats "llama3" and "llama3:latest" as the same model.
func sameModel(a, b string) bool {
	norm := func(s string) string {
		if !strings.Contains(s, ":") {
			return s + ":latest"
		}
		return s
	}
	return a != "" && norm(a) == norm(b)
}

// Classify asks the model for a category.
//
// Description:
//
//	Posts a few-shot prompt to /api/generate with temperature 0 and a
//	ten-token budget, then parses the first line of the answer.
//
// Inputs:
//
//	ctx - Bounds the request together with timeout.
//	input - The utterance.
//	timeout - Upper bound for this call.
//
// Outputs:
//
//	*classifier.Result - Category with the model's certainty in Confidence.
//	error - Transport, HTTP or decode failures, or ctx errors.
func (o *OllamaEngine) Classify(ctx context.Context, input string, timeout time.Duration) (*classifier.Result, error) {
	ctx, span := tracer.Start(ctx, "OllamaEngine.Classify")
	defer span.End()
	span.SetAttributes(attribute.String("model", o.model))

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		Prompt: BuildPrompt(input),
		Stream: false,
		Options: map[string]any{
			"temperature": 0,
			"num_predict": 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			o.markUnloaded()
			return nil, fmt.Errorf("%w: %s", classifier.ErrModelNotLoaded, strings.TrimSpace(string(raw)))
		}
		return nil, fmt.Errorf("ollama returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}

	result := ParseAnswer(out.Response, input, classifier.MatchLocalModel)
	span.SetAttributes(
		attribute.String("category", string(result.Category)),
		attribute.Float64("certainty", result.Confidence),
	)
	return result, nil
}

// markUnloaded invalidates the cached IsLoaded answer.
func (o *OllamaEngine) markUnloaded() {
	o.mu.Lock()
	o.loaded = false
	o.checkedAt = time.Now()
	o.mu.Unlock()
}
