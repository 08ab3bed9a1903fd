// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invocation

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInvalidTransition is returned when a state change is not allowed.
	// Only Approve on a Constructing invocation surfaces it to callers;
	// every other incompatible call is logged and ignored.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownInvocation indicates no invocation with the id exists in the turn.
	ErrUnknownInvocation = errors.New("unknown invocation")

	// ErrUnknownTurn indicates the turn was never begun or has been forgotten.
	ErrUnknownTurn = errors.New("unknown turn")

	// ErrTurnDiscarded is returned by Pump once the turn has been discarded.
	ErrTurnDiscarded = errors.New("turn discarded")

	// ErrTurnExists is returned by BeginTurn for a duplicate turn id.
	ErrTurnExists = errors.New("turn already exists")
)

// State is an invocation lifecycle state.
type State int

const (
	StateConstructing State = iota
	StatePending
	StateApproved
	StateRunning
	StateCompleted
	StateFailed
	StateRejected
)

var stateNames = [...]string{
	StateConstructing: "constructing",
	StatePending:      "pending",
	StateApproved:     "approved",
	StateRunning:      "running",
	StateCompleted:    "completed",
	StateFailed:       "failed",
	StateRejected:     "rejected",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown invocation state %q", string(b))
}

// Terminal reports whether s is Completed, Failed or Rejected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}

// transitions is the complete lifecycle graph:
//
//	Constructing → Pending     : arguments complete, not a duplicate
//	Constructing → Rejected    : turn discarded or explicit reject
//	Pending      → Approved    : approve, or auto-approval of a local invocation
//	Pending      → Rejected    : reject, or turn discarded
//	Approved     → Running     : executor launched
//	Running      → Completed   : executor reported success
//	Running      → Failed      : executor reported failure
//
// Terminal states have no outgoing edges.
var transitions = map[State][]State{
	StateConstructing: {StatePending, StateRejected},
	StatePending:      {StateApproved, StateRejected},
	StateApproved:     {StateRunning},
	StateRunning:      {StateCompleted, StateFailed},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns a wrapped ErrInvalidTransition when from → to is
// not allowed.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
