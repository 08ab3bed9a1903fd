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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Executor runs an approved tool invocation.
//
// Execute is called on its own goroutine with the turn context, which is
// cancelled if the turn is discarded. The returned pair is delivered to
// Gate.OnExecutionResult.
type Executor interface {
	Execute(ctx context.Context, tool string, args *Args) (result string, success bool)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tool string, args *Args) (string, bool)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, tool string, args *Args) (string, bool) {
	return f(ctx, tool, args)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger. Default slog.Default().
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithAutoApproveLocal controls whether locally sourced invocations skip
// human approval. Default true.
func WithAutoApproveLocal(enabled bool) GateOption {
	return func(g *Gate) { g.autoApproveLocal = enabled }
}

// Gate drives finalized invocations through approval and execution.
//
// Description:
//
//	The lifecycle is Pending → Approved → Running → Completed|Failed, or
//	Pending → Rejected. Terminal invocations never change again: every
//	later call targeting one is a no-op. Calls in any other incompatible
//	state are logged and ignored, with one exception: approving an
//	invocation still under construction returns ErrInvalidTransition.
//
//	Locally sourced invocations are approved automatically as soon as they
//	become Pending, unless disabled with WithAutoApproveLocal(false). This
//	bypasses human review and is a trust decision operators may revoke.
//
// Thread Safety:
//
//	Gate is safe for concurrent use. State changes take the owning turn's
//	lock; executors run without it.
type Gate struct {
	agg              *Aggregator
	exec             Executor
	logger           *slog.Logger
	autoApproveLocal bool

	wg sync.WaitGroup
}

// NewGate creates a Gate and attaches it to agg for auto-approval.
//
// Outputs:
//
//	*Gate - Ready to use.
//	error - If agg or exec is nil.
func NewGate(agg *Aggregator, exec Executor, opts ...GateOption) (*Gate, error) {
	if agg == nil {
		return nil, errors.New("aggregator is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	g := &Gate{
		agg:              agg,
		exec:             exec,
		logger:           slog.Default(),
		autoApproveLocal: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	agg.gate.Store(g)
	return g, nil
}

// AutoApproveLocal reports whether local invocations skip approval.
func (g *Gate) AutoApproveLocal() bool { return g.autoApproveLocal }

// withRecord runs fn under the turn lock with the resolved record. fn may
// return a launch func, which runs after the lock is released.
func (g *Gate) withRecord(turnID, id string, fn func(t *turn, rec *record) (func(), error)) (Invocation, error) {
	t, err := g.agg.lookup(turnID)
	if err != nil {
		return Invocation{}, err
	}
	if id == "" {
		return Invocation{}, fmt.Errorf("%w: empty id", ErrUnknownInvocation)
	}

	t.mu.Lock()
	if t.forgotten {
		t.mu.Unlock()
		return Invocation{}, fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	rec, ok := t.reg.resolve(id)
	if !ok {
		t.mu.Unlock()
		return Invocation{}, fmt.Errorf("%w: %s", ErrUnknownInvocation, id)
	}
	launch, err := fn(t, rec)
	snap := rec.snapshot(turnID)
	t.mu.Unlock()

	if launch != nil {
		launch()
	}
	return snap, err
}

// Approve approves a Pending invocation and starts its executor.
//
// Description:
//
//	Pending moves to Approved and then Running, and the Executor is
//	launched on its own goroutine. A terminal invocation is left alone and
//	the executor is not run again. Approved and Running invocations are
//	already approved; the call is logged and ignored.
//
// Outputs:
//
//	Invocation - Snapshot after the call.
//	error - ErrInvalidTransition for an invocation under construction;
//	        ErrUnknownTurn or ErrUnknownInvocation.
func (g *Gate) Approve(ctx context.Context, turnID, id string) (Invocation, error) {
	_, span := tracer.Start(ctx, "Gate.Approve")
	defer span.End()
	span.SetAttributes(attribute.String("turn_id", turnID), attribute.String("invocation_id", id))

	inv, err := g.withRecord(turnID, id, func(t *turn, rec *record) (func(), error) {
		switch {
		case rec.state.Terminal():
			g.ignored(t, rec, "approve", anomalyTerminal)
			return nil, nil
		case rec.state == StateConstructing:
			recordAnomaly(anomalyTransition)
			g.logger.Warn("cannot approve a partial invocation",
				slog.String("turn_id", t.id),
				slog.String("invocation_id", rec.id),
				slog.String("state", rec.state.String()),
				slog.String("op", "approve"))
			return nil, checkTransition(rec.state, StateApproved)
		case rec.state == StatePending:
			return g.start(t, rec), nil
		default:
			g.ignored(t, rec, "approve", anomalyTransition)
			return nil, nil
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return inv, err
}

// Reject rejects an invocation. No result is stored.
//
// Description:
//
//	Constructing and Pending invocations become Rejected. Terminal
//	invocations are unchanged, which makes Reject idempotent. Approved and
//	Running invocations can no longer be rejected; the call is logged and
//	ignored.
func (g *Gate) Reject(ctx context.Context, turnID, id string) (Invocation, error) {
	_, span := tracer.Start(ctx, "Gate.Reject")
	defer span.End()
	span.SetAttributes(attribute.String("turn_id", turnID), attribute.String("invocation_id", id))

	return g.withRecord(turnID, id, func(t *turn, rec *record) (func(), error) {
		switch rec.state {
		case StateConstructing, StatePending:
			if err := g.agg.transition(t, rec, StateRejected); err != nil {
				g.ignored(t, rec, "reject", anomalyTransition)
			}
		default:
			kind := anomalyTransition
			if rec.state.Terminal() {
				kind = anomalyTerminal
			}
			g.ignored(t, rec, "reject", kind)
		}
		return nil, nil
	})
}

// OnExecutionResult records an executor outcome.
//
// Only a Running invocation accepts a result; it becomes Completed or
// Failed. Results for invocations in any other state are logged and
// dropped.
func (g *Gate) OnExecutionResult(turnID, id, result string, success bool) (Invocation, error) {
	return g.withRecord(turnID, id, func(t *turn, rec *record) (func(), error) {
		g.applyResult(t, rec, result, success)
		return nil, nil
	})
}

// applyResult moves a Running record to its terminal state. The turn lock
// must be held.
func (g *Gate) applyResult(t *turn, rec *record, result string, success bool) {
	if rec.state != StateRunning {
		kind := anomalyTransition
		if rec.state.Terminal() {
			kind = anomalyTerminal
		}
		g.ignored(t, rec, "execution_result", kind)
		return
	}
	to := StateFailed
	if success {
		to = StateCompleted
	}
	rec.result = result
	if err := g.agg.transition(t, rec, to); err != nil {
		g.ignored(t, rec, "execution_result", anomalyTransition)
	}
}

// Wait blocks until every launched executor has reported, or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// autoDrive approves a locally sourced invocation that just became
// Pending. Called by the Aggregator with the turn lock held.
func (g *Gate) autoDrive(t *turn, rec *record) func() {
	if !g.autoApproveLocal {
		return nil
	}
	g.logger.Info("auto-approving locally sourced invocation",
		slog.String("turn_id", t.id),
		slog.String("invocation_id", rec.id),
		slog.String("tool", rec.tool))
	return g.start(t, rec)
}

// start moves a Pending record to Running and returns the executor launch.
// The turn lock must be held.
func (g *Gate) start(t *turn, rec *record) func() {
	if err := g.agg.transition(t, rec, StateApproved); err != nil {
		g.ignored(t, rec, "approve", anomalyTransition)
		return nil
	}
	if err := g.agg.transition(t, rec, StateRunning); err != nil {
		g.ignored(t, rec, "approve", anomalyTransition)
		return nil
	}

	tool, args := rec.tool, rec.args.Clone()
	g.wg.Add(1)
	return func() {
		go g.run(t, rec, tool, args)
	}
}

// run executes one invocation and delivers the outcome to the exact record
// it was launched for. Turn ids can be reused after Forget, so the result is
// never routed by id.
func (g *Gate) run(t *turn, rec *record, tool string, args *Args) {
	defer g.wg.Done()
	ctx, span := tracer.Start(t.ctx, "Gate.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn_id", t.id),
		attribute.String("invocation_id", rec.id),
		attribute.String("tool", tool),
	)

	executionsInFlight.Inc()
	start := time.Now()
	result, success := g.execute(ctx, tool, args)
	recordExecution(success, time.Since(start).Seconds())
	executionsInFlight.Dec()
	if !success {
		span.SetStatus(codes.Error, "execution failed")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forgotten {
		recordAnomaly(anomalyForgottenTurn)
		g.logger.Warn("execution result for forgotten turn dropped",
			slog.String("turn_id", t.id),
			slog.String("invocation_id", rec.id),
			slog.Bool("success", success))
		return
	}
	g.applyResult(t, rec, result, success)
}

// execute calls the executor, turning a panic into a failure.
func (g *Gate) execute(ctx context.Context, tool string, args *Args) (result string, success bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("executor panicked",
				slog.String("tool", tool),
				slog.Any("panic", r))
			result, success = fmt.Sprintf("executor panic: %v", r), false
		}
	}()
	return g.exec.Execute(ctx, tool, args)
}

func (g *Gate) ignored(t *turn, rec *record, op, kind string) {
	recordAnomaly(kind)
	level := slog.LevelWarn
	if kind == anomalyTerminal {
		level = slog.LevelDebug
	}
	g.logger.Log(context.Background(), level, "lifecycle call ignored",
		slog.String("turn_id", t.id),
		slog.String("invocation_id", rec.id),
		slog.String("state", rec.state.String()),
		slog.String("op", op))
}
