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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/feedback"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
)

// Handlers serves the /v1/invoke API.
//
// Thread Safety: This type is safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger.Slog()}
}

// HandleClassify routes one utterance.
//
// POST /v1/invoke/classify
//
// Responses: 200 classifier.Result; 400 bad body; 502 when every Tier 3
// path failed; 408 when the client went away first.
func (h *Handlers) HandleClassify(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.router.Classify(c.Request.Context(), req.Input)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleClassifyBatch routes several utterances in one request.
//
// POST /v1/invoke/classify/batch
//
// A failed input is reported in its own entry; the request itself fails
// only when the body is invalid or the caller goes away.
func (h *Handlers) HandleClassifyBatch(c *gin.Context) {
	var req BatchClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	batch, err := h.svc.router.ClassifyBatch(c.Request.Context(), req.Inputs)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := BatchClassifyResponse{
		Results:        make([]BatchClassifyItem, len(batch.Items)),
		TotalLatencyMs: batch.TotalLatencyMs,
	}
	for i, it := range batch.Items {
		item := BatchClassifyItem{Input: it.Input, Result: it.Result}
		if it.Err != nil {
			item.Result = nil
			if errors.Is(it.Err, classifier.ErrFallbackExhausted) {
				item.Error, item.Code = classifier.ErrFallbackExhausted.Error(), CodeRoutingFailed
			} else {
				h.logger.Error("batch item failed", slog.Int("index", i), slog.String("error", it.Err.Error()))
				item.Error, item.Code = "internal error", CodeInternal
			}
		}
		resp.Results[i] = item
	}
	c.JSON(http.StatusOK, resp)
}

// HandleBeginTurn opens a turn.
//
// POST /v1/invoke/turns
func (h *Handlers) HandleBeginTurn(c *gin.Context) {
	var req BeginTurnRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	if err := h.svc.aggregator.BeginTurn(c.Request.Context(), req.TurnID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, BeginTurnResponse{TurnID: req.TurnID})
}

// HandleFragments applies a batch of fragments to a turn, in order.
//
// POST /v1/invoke/turns/:turn/fragments
//
// Malformed fragments are skipped and reported; the rest still apply.
// Fragments for a discarded turn are accepted and dropped.
func (h *Handlers) HandleFragments(c *gin.Context) {
	turnID := c.Param("turn")
	var req FragmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	// The turn outlives this request; later fragments may arrive on
	// another connection.
	ctx := context.WithoutCancel(c.Request.Context())

	var resp FragmentsResponse
	for i, f := range req.Fragments {
		err := h.svc.aggregator.OnFragment(ctx, turnID, f)
		switch {
		case err == nil:
			resp.Applied++
		case errors.Is(err, invocation.ErrMalformedFragment):
			resp.Rejected = append(resp.Rejected, fmt.Sprintf("%d: %v", i, err))
		default:
			h.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleDiscardTurn abandons a turn. With ?forget=true the turn is also
// dropped from memory.
//
// DELETE /v1/invoke/turns/:turn
func (h *Handlers) HandleDiscardTurn(c *gin.Context) {
	turnID := c.Param("turn")
	if err := h.svc.aggregator.DiscardTurn(c.Request.Context(), turnID); err != nil {
		h.fail(c, err)
		return
	}
	if c.Query("forget") == "true" {
		h.svc.aggregator.Forget(turnID)
		c.Status(http.StatusNoContent)
		return
	}
	h.writeTurn(c, turnID)
}

// HandleGetTurn returns the turn's text and invocations.
//
// GET /v1/invoke/turns/:turn/invocations
func (h *Handlers) HandleGetTurn(c *gin.Context) {
	h.writeTurn(c, c.Param("turn"))
}

func (h *Handlers) writeTurn(c *gin.Context, turnID string) {
	invs, err := h.svc.aggregator.Invocations(turnID)
	if err != nil {
		h.fail(c, err)
		return
	}
	text, _ := h.svc.aggregator.Text(turnID)
	discarded, _ := h.svc.aggregator.Discarded(turnID)
	if invs == nil {
		invs = []invocation.Invocation{}
	}
	c.JSON(http.StatusOK, TurnResponse{
		TurnID:      turnID,
		Discarded:   discarded,
		Text:        text,
		Invocations: invs,
		Subscribers: h.svc.hub.count(turnID),
	})
}

// HandleApprove approves an invocation. Duplicate ids that were collapsed
// resolve to the surviving invocation.
//
// POST /v1/invoke/turns/:turn/invocations/:id/approve
//
// Responses: 200 snapshot; 404 unknown turn or id; 409 when the
// invocation is still under construction.
func (h *Handlers) HandleApprove(c *gin.Context) {
	inv, err := h.svc.gate.Approve(c.Request.Context(), c.Param("turn"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// HandleReject rejects an invocation.
//
// POST /v1/invoke/turns/:turn/invocations/:id/reject
func (h *Handlers) HandleReject(c *gin.Context) {
	inv, err := h.svc.gate.Reject(c.Request.Context(), c.Param("turn"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// HandleFeedback records a user judgement of a classification.
//
// POST /v1/invoke/feedback
func (h *Handlers) HandleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var corrected *classifier.Category
	if req.CorrectedCategory != nil {
		cat, ok := classifier.ParseCategory(*req.CorrectedCategory)
		if !ok {
			cat = classifier.Category(*req.CorrectedCategory)
		}
		corrected = &cat
	}
	rec, err := h.svc.ledger.Submit(c.Request.Context(), req.Input, req.Result, req.IsCorrect, corrected)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// HandleFeedbackStats returns aggregate accuracy.
//
// GET /v1/invoke/feedback/stats
func (h *Handlers) HandleFeedbackStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ledger.Stats())
}

// HandleHealth reports liveness plus latency and cache figures.
//
// GET /v1/invoke/health
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:      "healthy",
		Version:     ServiceVersion,
		Uptime:      time.Since(h.svc.startedAt).Round(time.Second).String(),
		ActiveTurns: len(h.svc.aggregator.Turns()),
		Latency:     h.svc.latency.Snapshot(),
	}
	if cache := h.svc.tier3.Cache(); cache != nil {
		resp.CacheSize = cache.Size()
		resp.CacheHit = cache.HitRate()
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Error mapping
// =============================================================================

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: "invalid request: " + err.Error(),
		Code:  CodeInvalidRequest,
	})
}

// fail maps err onto a status. Routing failures never leak their causes
// to the client; they are logged instead.
func (h *Handlers) fail(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, CodeInternal, "internal error"
	switch {
	case errors.Is(err, classifier.ErrFallbackExhausted):
		status, code, msg = http.StatusBadGateway, CodeRoutingFailed, classifier.ErrFallbackExhausted.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code, msg = http.StatusRequestTimeout, CodeInternal, "request cancelled"
	case errors.Is(err, invocation.ErrUnknownTurn), errors.Is(err, invocation.ErrUnknownInvocation):
		status, code, msg = http.StatusNotFound, CodeNotFound, err.Error()
	case errors.Is(err, invocation.ErrTurnExists):
		status, code, msg = http.StatusConflict, CodeConflict, err.Error()
	case errors.Is(err, invocation.ErrInvalidTransition):
		status, code, msg = http.StatusConflict, CodeInvalidTransition, err.Error()
	case errors.Is(err, invocation.ErrMalformedFragment), errors.Is(err, feedback.ErrInvalidFeedback):
		status, code, msg = http.StatusBadRequest, CodeInvalidRequest, err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: msg, Code: code})
}
