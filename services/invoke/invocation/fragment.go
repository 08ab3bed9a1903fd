// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package invocation assembles tool invocations from a streamed generation
// and drives them through approval and execution.
//
// Fragments for a turn arrive through an Aggregator, which keeps one
// Registry per turn. Once an invocation's arguments are complete it becomes
// Pending and the Gate decides whether it runs. Every call is scoped to an
// explicit turn id; no state is shared between turns.
package invocation

import (
	"errors"
	"fmt"
)

// FragmentKind tags the variant held by a Fragment.
type FragmentKind string

const (
	// KindTextDelta carries plain generated text.
	KindTextDelta FragmentKind = "text_delta"

	// KindInvocationStart opens a new invocation.
	KindInvocationStart FragmentKind = "invocation_start"

	// KindInvocationArgDelta carries a partial argument object.
	KindInvocationArgDelta FragmentKind = "invocation_arg_delta"

	// KindInvocationEnd closes an invocation, optionally with final args.
	KindInvocationEnd FragmentKind = "invocation_end"
)

// Fragment is one normalized unit of a generation stream.
//
// Description:
//
//	Fragment is a tagged variant: Kind selects which fields are meaningful.
//	Generation output of any shape is converted into Fragments by a
//	Normalizer before it reaches the Aggregator, so the Aggregator never
//	inspects raw payloads.
//
//	  text_delta            Text
//	  invocation_start      ProvisionalID, Tool, LocallySourced
//	  invocation_arg_delta  ProvisionalID, Args
//	  invocation_end        ProvisionalID, Args (final, may be nil)
//
// An empty ProvisionalID on start asks the Aggregator to assign one; on
// arg deltas and ends it addresses the most recently started invocation
// that is still under construction.
type Fragment struct {
	Kind           FragmentKind `json:"kind"`
	Text           string       `json:"text,omitempty"`
	ProvisionalID  string       `json:"provisional_id,omitempty"`
	Tool           string       `json:"tool,omitempty"`
	LocallySourced bool         `json:"locally_sourced,omitempty"`
	Args           *Args        `json:"args,omitempty"`
}

// TextDelta builds a text fragment.
func TextDelta(text string) Fragment {
	return Fragment{Kind: KindTextDelta, Text: text}
}

// InvocationStart builds a start fragment.
func InvocationStart(provisionalID, tool string, locallySourced bool) Fragment {
	return Fragment{
		Kind:           KindInvocationStart,
		ProvisionalID:  provisionalID,
		Tool:           tool,
		LocallySourced: locallySourced,
	}
}

// InvocationArgDelta builds an argument delta fragment.
func InvocationArgDelta(provisionalID string, partial *Args) Fragment {
	return Fragment{Kind: KindInvocationArgDelta, ProvisionalID: provisionalID, Args: partial}
}

// InvocationEnd builds an end fragment. final may be nil.
func InvocationEnd(provisionalID string, final *Args) Fragment {
	return Fragment{Kind: KindInvocationEnd, ProvisionalID: provisionalID, Args: final}
}

// ErrMalformedFragment is returned by Validate.
var ErrMalformedFragment = errors.New("malformed fragment")

// Validate checks that the fields required by Kind are present.
func (f Fragment) Validate() error {
	switch f.Kind {
	case KindTextDelta, KindInvocationEnd:
		return nil
	case KindInvocationStart:
		if f.Tool == "" {
			return fmt.Errorf("%w: invocation_start without tool", ErrMalformedFragment)
		}
		return nil
	case KindInvocationArgDelta:
		if f.Args == nil {
			return fmt.Errorf("%w: invocation_arg_delta without args", ErrMalformedFragment)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFragment, f.Kind)
	}
}
