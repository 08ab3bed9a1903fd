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
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.invoke.invocation")

// TransitionEvent describes one lifecycle change.
//
// A newly started invocation is reported with From == To ==
// StateConstructing.
type TransitionEvent struct {
	TurnID       string    `json:"turn_id"`
	InvocationID string    `json:"invocation_id"`
	Tool         string    `json:"tool"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	At           time.Time `json:"at"`
}

// TransitionObserver receives lifecycle events.
//
// Observers run synchronously under the turn lock and must not call back
// into the Aggregator or Gate.
type TransitionObserver func(TransitionEvent)

// =============================================================================
// Options
// =============================================================================

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithObserver adds a transition observer.
func WithObserver(o TransitionObserver) AggregatorOption {
	return func(a *Aggregator) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// WithTurnWideDedup makes duplicate detection also match finalized
// invocations that already completed or failed. By default only
// non-terminal invocations are matched, so a call legitimately repeated
// after the first finished is kept.
func WithTurnWideDedup(enabled bool) AggregatorOption {
	return func(a *Aggregator) { a.turnWide = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator overrides the generator used for invocations started
// without a provisional id. Default uuid.NewString.
func WithIDGenerator(gen func() string) AggregatorOption {
	return func(a *Aggregator) {
		if gen != nil {
			a.newID = gen
		}
	}
}

// =============================================================================
// Aggregator
// =============================================================================

// turn is the per-turn state. mu serialises every mutation of reg.
type turn struct {
	id        string
	mu        sync.Mutex
	reg       *Registry
	text      strings.Builder
	discarded bool
	forgotten bool

	// ctx is handed to executors and cancelled when the turn is discarded.
	ctx    context.Context
	cancel context.CancelFunc
}

// Aggregator turns fragment streams into invocations, one Registry per turn.
//
// Description:
//
//	Fragments for a turn are applied in arrival order under that turn's
//	lock. Different turns share nothing but the turn table, so they can be
//	fed concurrently. Anomalous fragments (unknown ids, fragments for
//	terminal invocations, late fragments for discarded turns) are dropped
//	with a warning and counted in invoke_invocation_anomalies_total.
//
// Thread Safety:
//
//	Aggregator is safe for concurrent use. Callers feeding the same turn
//	from several goroutines get an arbitrary interleaving; use Pump to keep
//	a stream in order.
type Aggregator struct {
	mu    sync.RWMutex
	turns map[string]*turn

	logger    *slog.Logger
	observers []TransitionObserver
	now       func() time.Time
	newID     func() string
	turnWide  bool

	// gate receives locally sourced invocations on finalization.
	gate atomic.Pointer[Gate]
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		turns:  make(map[string]*turn),
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BeginTurn creates the registry for turnID.
//
// Description:
//
//	The turn context is derived from ctx without its cancellation, so a
//	short-lived request context does not cancel executors. It carries ctx's
//	values (trace spans included) and is cancelled by DiscardTurn or Forget.
//
// Outputs:
//
//	error - ErrTurnExists if turnID is already registered, including
//	        discarded turns that have not been forgotten.
func (a *Aggregator) BeginTurn(ctx context.Context, turnID string) error {
	if turnID == "" {
		return fmt.Errorf("%w: empty turn id", ErrUnknownTurn)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.turns[turnID]; ok {
		return fmt.Errorf("%w: %s", ErrTurnExists, turnID)
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.turns[turnID] = &turn{
		id:     turnID,
		reg:    newRegistry(turnID, a.turnWide),
		ctx:    tctx,
		cancel: cancel,
	}
	activeTurns.Inc()
	a.logger.Debug("turn begun", slog.String("turn_id", turnID))
	return nil
}

// Turns returns the registered turn ids, sorted.
func (a *Aggregator) Turns() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.turns))
	for id := range a.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Aggregator) lookup(turnID string) (*turn, error) {
	a.mu.RLock()
	t, ok := a.turns[turnID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	return t, nil
}

// OnFragment applies one fragment to a turn.
//
// Description:
//
//	start creates a Constructing invocation. arg_delta merges into its
//	arguments, last write wins per key. end merges the final arguments,
//	computes the signature and either collapses the invocation into an
//	identical non-terminal one or makes it Pending. A locally sourced
//	invocation is then handed to the Gate for auto-approval.
//
// Inputs:
//
//	ctx - Tracing only; fragment application never blocks.
//	turnID - Owning turn.
//	f - The fragment.
//
// Outputs:
//
//	error - ErrUnknownTurn, or ErrMalformedFragment. Dropped fragments are
//	        not errors.
//
// Thread Safety: This method is safe for concurrent use.
func (a *Aggregator) OnFragment(ctx context.Context, turnID string, f Fragment) error {
	t, err := a.lookup(turnID)
	if err != nil {
		return err
	}
	return a.apply(ctx, t, f)
}

// apply applies f to t. A turn forgotten since it was looked up reports
// ErrUnknownTurn so a reused id never receives fragments meant for the old
// turn.
func (a *Aggregator) apply(ctx context.Context, t *turn, f Fragment) error {
	turnID := t.id
	_, span := tracer.Start(ctx, "Aggregator.OnFragment")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn_id", turnID),
		attribute.String("kind", string(f.Kind)),
		attribute.String("provisional_id", f.ProvisionalID),
	)

	if err := f.Validate(); err != nil {
		recordAnomaly(anomalyMalformed)
		a.logger.Warn("malformed fragment dropped",
			slog.String("turn_id", turnID),
			slog.String("error", err.Error()))
		return err
	}

	var launch func()
	t.mu.Lock()
	if t.forgotten {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	if t.discarded {
		t.mu.Unlock()
		recordAnomaly(anomalyDiscardedTurn)
		a.logger.Warn("fragment for discarded turn dropped",
			slog.String("turn_id", turnID),
			slog.String("kind", string(f.Kind)),
			slog.String("invocation_id", f.ProvisionalID))
		return nil
	}
	switch f.Kind {
	case KindTextDelta:
		t.text.WriteString(f.Text)
	case KindInvocationStart:
		a.applyStart(t, f)
	case KindInvocationArgDelta:
		a.applyArgDelta(t, f)
	case KindInvocationEnd:
		launch = a.applyEnd(t, f)
	}
	t.mu.Unlock()
	recordFragment(f.Kind)

	if launch != nil {
		launch()
	}
	return nil
}

func (a *Aggregator) applyStart(t *turn, f Fragment) {
	id := f.ProvisionalID
	if id != "" && t.reg.known(id) {
		rec, _ := t.reg.resolve(id)
		kind := anomalyDuplicateStart
		if rec != nil && rec.state.Terminal() {
			kind = anomalyTerminal
		}
		a.anomaly(t, kind, "start for existing invocation dropped", id, rec)
		return
	}
	if id == "" {
		id = a.newID()
	}
	rec := &record{
		id:             id,
		tool:           f.Tool,
		args:           &Args{},
		state:          StateConstructing,
		isPartial:      true,
		locallySourced: f.LocallySourced,
		createdAt:      a.now(),
	}
	t.reg.add(rec)
	a.notify(t, rec, StateConstructing, StateConstructing)
}

func (a *Aggregator) applyArgDelta(t *turn, f Fragment) {
	rec, ok := a.target(t, f, "argument delta")
	if !ok {
		return
	}
	if !rec.isPartial {
		a.anomaly(t, anomalyFrozenArgs, "argument delta after finalization dropped", f.ProvisionalID, rec)
		return
	}
	rec.args.Merge(f.Args)
}

func (a *Aggregator) applyEnd(t *turn, f Fragment) func() {
	rec, ok := a.target(t, f, "end")
	if !ok {
		return nil
	}
	if !rec.isPartial {
		a.anomaly(t, anomalyFrozenArgs, "end for finalized invocation dropped", f.ProvisionalID, rec)
		return nil
	}
	rec.args.Merge(f.Args)
	rec.signature = Signature(rec.tool, rec.args)

	if survivor, dup := t.reg.duplicateOf(rec.signature, rec); dup {
		t.reg.collapse(rec, survivor)
		recordAnomaly(anomalyDuplicate)
		a.logger.Warn("duplicate invocation collapsed",
			slog.String("turn_id", t.id),
			slog.String("invocation_id", rec.id),
			slog.String("survivor_id", survivor.id),
			slog.String("tool", rec.tool),
			slog.String("state", survivor.state.String()))
		return nil
	}

	if err := a.transition(t, rec, StatePending); err != nil {
		a.anomaly(t, anomalyTransition, err.Error(), rec.id, rec)
		return nil
	}
	t.reg.index(rec)

	if rec.locallySourced {
		if g := a.gate.Load(); g != nil {
			return g.autoDrive(t, rec)
		}
	}
	return nil
}

// target resolves the invocation a delta or end addresses, absorbing
// orphan and terminal fragments.
func (a *Aggregator) target(t *turn, f Fragment, what string) (*record, bool) {
	rec, ok := t.reg.resolve(f.ProvisionalID)
	if !ok {
		a.anomaly(t, anomalyOrphan, what+" for unknown invocation dropped", f.ProvisionalID, nil)
		return nil, false
	}
	if rec.state.Terminal() {
		a.anomaly(t, anomalyTerminal, what+" for terminal invocation dropped", f.ProvisionalID, rec)
		return nil, false
	}
	return rec, true
}

// transition moves rec to state to. The turn lock must be held.
func (a *Aggregator) transition(t *turn, rec *record, to State) error {
	from := rec.state
	if err := checkTransition(from, to); err != nil {
		return err
	}
	rec.state = to
	if to != StateConstructing {
		rec.isPartial = false
	}
	if to.Terminal() {
		rec.resolvedAt = a.now()
		t.reg.unindex(rec)
	}
	recordTransition(from, to)
	a.notify(t, rec, from, to)
	return nil
}

func (a *Aggregator) notify(t *turn, rec *record, from, to State) {
	if len(a.observers) == 0 {
		return
	}
	ev := TransitionEvent{
		TurnID:       t.id,
		InvocationID: rec.id,
		Tool:         rec.tool,
		From:         from,
		To:           to,
		At:           a.now(),
	}
	for _, o := range a.observers {
		o(ev)
	}
}

func (a *Aggregator) anomaly(t *turn, kind, msg, id string, rec *record) {
	recordAnomaly(kind)
	attrs := []any{
		slog.String("turn_id", t.id),
		slog.String("invocation_id", id),
		slog.String("op", kind),
	}
	if rec != nil {
		attrs = append(attrs, slog.String("state", rec.state.String()))
	}
	a.logger.Warn(msg, attrs...)
}

// =============================================================================
// Turn lifecycle
// =============================================================================

// DiscardTurn abandons a turn.
//
// Description:
//
//	Every Constructing or Pending invocation becomes Rejected and the turn
//	context is cancelled, which running executors observe. Later fragments
//	for the turn are dropped. The turn stays queryable until Forget.
//	Discarding twice is a no-op.
func (a *Aggregator) DiscardTurn(ctx context.Context, turnID string) error {
	t, err := a.lookup(turnID)
	if err != nil {
		return err
	}
	_, span := tracer.Start(ctx, "Aggregator.DiscardTurn")
	defer span.End()
	span.SetAttributes(attribute.String("turn_id", turnID))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discarded {
		return nil
	}
	t.discarded = true
	abandoned := 0
	for _, rec := range t.reg.order {
		if rec.state == StateConstructing || rec.state == StatePending {
			if err := a.transition(t, rec, StateRejected); err == nil {
				abandoned++
			}
		}
	}
	t.cancel()
	a.logger.Info("turn discarded",
		slog.String("turn_id", turnID),
		slog.Int("abandoned", abandoned))
	return nil
}

// Forget drops a turn entirely and cancels its context. Fragments and
// lifecycle calls for it then fail with ErrUnknownTurn.
func (a *Aggregator) Forget(turnID string) {
	a.mu.Lock()
	t, ok := a.turns[turnID]
	delete(a.turns, turnID)
	a.mu.Unlock()
	if ok {
		t.mu.Lock()
		t.forgotten = true
		t.mu.Unlock()
		t.cancel()
		activeTurns.Dec()
	}
}

// closedErr reports why t no longer accepts a stream, or nil if it does.
func (t *turn) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.forgotten:
		return fmt.Errorf("%w: %s", ErrUnknownTurn, t.id)
	case t.discarded:
		return fmt.Errorf("%w: %s", ErrTurnDiscarded, t.id)
	}
	return nil
}

// Discarded reports whether the turn has been discarded.
func (a *Aggregator) Discarded(turnID string) (bool, error) {
	t, err := a.lookup(turnID)
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discarded, nil
}

// =============================================================================
// Queries
// =============================================================================

// Invocations returns snapshots of the turn's invocations in start order.
// Collapsed duplicates are not listed.
func (a *Aggregator) Invocations(turnID string) ([]Invocation, error) {
	t, err := a.lookup(turnID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.Invocations(), nil
}

// Lookup returns one invocation. Ids of collapsed duplicates resolve to
// the surviving invocation.
func (a *Aggregator) Lookup(turnID, id string) (Invocation, error) {
	t, err := a.lookup(turnID)
	if err != nil {
		return Invocation{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		return Invocation{}, fmt.Errorf("%w: empty id", ErrUnknownInvocation)
	}
	rec, ok := t.reg.resolve(id)
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %s", ErrUnknownInvocation, id)
	}
	return rec.snapshot(turnID), nil
}

// Text returns the concatenated text deltas of a turn.
func (a *Aggregator) Text(turnID string) (string, error) {
	t, err := a.lookup(turnID)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String(), nil
}

// =============================================================================
// Pumping
// =============================================================================

// Pump feeds every fragment of src into turnID, in order, until src is
// exhausted or the turn is closed.
//
// Outputs:
//
//	error - nil at io.EOF. ErrTurnDiscarded once the turn is discarded, so
//	        the rest of the generation is not read. ErrUnknownTurn if the
//	        turn does not exist or is forgotten. Otherwise the source error.
//	        Malformed fragments are skipped.
func (a *Aggregator) Pump(ctx context.Context, turnID string, src GenerationSource) error {
	t, err := a.lookup(turnID)
	if err != nil {
		return err
	}
	for {
		if err := t.closedErr(); err != nil {
			return err
		}
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("turn %s: read fragment: %w", turnID, err)
		}
		if err := a.apply(ctx, t, f); err != nil {
			if errors.Is(err, ErrMalformedFragment) {
				continue
			}
			return err
		}
	}
}

// PumpAll pumps several turns concurrently, one goroutine per turn.
// Turns not yet begun are begun. A discarded turn stops only its own pump;
// any other error cancels the rest.
func (a *Aggregator) PumpAll(ctx context.Context, sources map[string]GenerationSource) error {
	g, gctx := errgroup.WithContext(ctx)
	for turnID, src := range sources {
		if err := a.BeginTurn(ctx, turnID); err != nil && !errors.Is(err, ErrTurnExists) {
			return err
		}
		g.Go(func() error {
			if err := a.Pump(gctx, turnID, src); err != nil && !errors.Is(err, ErrTurnDiscarded) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
