// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoke

import (
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/router"
)

// ServiceVersion is reported by the health endpoint and as service.version
// in traces.
const ServiceVersion = "0.3.0"

// =============================================================================
// Requests
// =============================================================================

// ClassifyRequest is the body of POST /v1/invoke/classify.
type ClassifyRequest struct {
	// Input is the user utterance.
	Input string `json:"input" binding:"required"`
}

// BatchClassifyRequest is the body of POST /v1/invoke/classify/batch.
type BatchClassifyRequest struct {
	Inputs []string `json:"inputs" binding:"required,min=1,max=100"`
}

// BeginTurnRequest is the body of POST /v1/invoke/turns. An empty TurnID is
// assigned by the server.
type BeginTurnRequest struct {
	TurnID string `json:"turn_id"`
}

// FragmentsRequest is the body of POST /v1/invoke/turns/:turn/fragments.
// Fragments are applied in order.
type FragmentsRequest struct {
	Fragments []invocation.Fragment `json:"fragments" binding:"required"`
}

// FeedbackRequest is the body of POST /v1/invoke/feedback.
type FeedbackRequest struct {
	Input             string             `json:"input" binding:"required"`
	Result            *classifier.Result `json:"result" binding:"required"`
	IsCorrect         bool               `json:"is_correct"`
	CorrectedCategory *string            `json:"corrected_category,omitempty"`
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`
}

// Error codes.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeRoutingFailed     = "ROUTING_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
)

// BatchClassifyItem is one input's outcome. Exactly one of Result and
// Error is set.
type BatchClassifyItem struct {
	Input  string             `json:"input"`
	Result *classifier.Result `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
	Code   string             `json:"code,omitempty"`
}

// BatchClassifyResponse answers POST /v1/invoke/classify/batch.
type BatchClassifyResponse struct {
	Results        []BatchClassifyItem `json:"results"`
	TotalLatencyMs float64             `json:"total_latency_ms"`
}

// BeginTurnResponse returns the id of a newly opened turn.
type BeginTurnResponse struct {
	TurnID string `json:"turn_id"`
}

// FragmentsResponse reports how many fragments were applied. Malformed
// fragments are skipped and listed in Rejected by index.
type FragmentsResponse struct {
	Applied  int      `json:"applied"`
	Rejected []string `json:"rejected,omitempty"`
}

// TurnResponse is the full view of one turn.
type TurnResponse struct {
	TurnID      string                  `json:"turn_id"`
	Discarded   bool                    `json:"discarded"`
	Text        string                  `json:"text"`
	Invocations []invocation.Invocation `json:"invocations"`
	Subscribers int                     `json:"subscribers"`
}

// HealthResponse is returned by GET /v1/invoke/health.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Uptime      string                 `json:"uptime"`
	ActiveTurns int                    `json:"active_turns"`
	Latency     router.LatencySnapshot `json:"latency"`
	CacheSize   int                    `json:"cache_size"`
	CacheHit    float64                `json:"cache_hit_rate"`
}

// StreamMessage is one message pushed to a websocket client.
type StreamMessage struct {
	// Type is "transition" or "error".
	Type       string                      `json:"type"`
	Transition *invocation.TransitionEvent `json:"transition,omitempty"`
	Error      string                      `json:"error,omitempty"`
	At         time.Time                   `json:"at"`
}

