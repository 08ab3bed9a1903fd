// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invocation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Raw event types accepted by the Normalizer.
const (
	RawText          = "text"
	RawToolCall      = "tool_call"
	RawToolCallStart = "tool_call_start"
	RawToolCallDelta = "tool_call_delta"
	RawToolCallEnd   = "tool_call_end"
)

// RawEvent is generation output as backends produce it.
//
// A backend may report a whole call at once (tool_call with Args), stream
// structured partial objects (tool_call_delta with Args), or stream the
// argument JSON text a few characters at a time (tool_call_delta with
// ArgsText).
type RawEvent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ID       string          `json:"id,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	ArgsText string          `json:"args_text,omitempty"`
	Local    bool            `json:"local,omitempty"`
}

// Normalizer converts RawEvents into Fragments.
//
// Argument text streamed in pieces is buffered per call and decoded when
// the call ends. One Normalizer serves one turn and is not safe for
// concurrent use.
type Normalizer struct {
	logger  *slog.Logger
	buffers map[string]*strings.Builder
	open    []string
}

// NewNormalizer creates a Normalizer. logger may be nil.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		logger:  logger,
		buffers: make(map[string]*strings.Builder),
	}
}

// Normalize converts one event.
//
// Outputs:
//
//	[]Fragment - Zero or more fragments, in order.
//	error - ErrMalformedFragment for unknown types or undecodable Args.
func (n *Normalizer) Normalize(ev RawEvent) ([]Fragment, error) {
	switch ev.Type {
	case RawText:
		if ev.Text == "" {
			return nil, nil
		}
		return []Fragment{TextDelta(ev.Text)}, nil

	case RawToolCall:
		args, err := decodeArgs(ev.Args)
		if err != nil {
			return nil, err
		}
		return []Fragment{
			InvocationStart(ev.ID, ev.Tool, ev.Local),
			InvocationEnd(ev.ID, args),
		}, nil

	case RawToolCallStart:
		n.track(ev.ID)
		out := []Fragment{InvocationStart(ev.ID, ev.Tool, ev.Local)}
		if len(ev.Args) > 0 || ev.ArgsText != "" {
			more, err := n.Normalize(RawEvent{Type: RawToolCallDelta, ID: ev.ID, Args: ev.Args, ArgsText: ev.ArgsText})
			if err != nil {
				return out, err
			}
			out = append(out, more...)
		}
		return out, nil

	case RawToolCallDelta:
		if ev.ArgsText != "" {
			n.buffer(ev.ID).WriteString(ev.ArgsText)
		}
		if len(ev.Args) == 0 {
			return nil, nil
		}
		args, err := decodeArgs(ev.Args)
		if err != nil {
			return nil, err
		}
		return []Fragment{InvocationArgDelta(ev.ID, args)}, nil

	case RawToolCallEnd:
		final, err := n.finish(ev.ID)
		if err != nil {
			n.logger.Warn("unparseable streamed arguments, keeping accumulated deltas",
				slog.String("invocation_id", ev.ID),
				slog.String("error", err.Error()))
		}
		if len(ev.Args) > 0 {
			explicit, err := decodeArgs(ev.Args)
			if err != nil {
				return nil, err
			}
			if final == nil {
				final = explicit
			} else {
				final.Merge(explicit)
			}
		}
		return []Fragment{InvocationEnd(ev.ID, final)}, nil

	default:
		return nil, fmt.Errorf("%w: raw event type %q", ErrMalformedFragment, ev.Type)
	}
}

// Flush ends every call that was started but never ended, in start order.
func (n *Normalizer) Flush() []Fragment {
	var out []Fragment
	for len(n.open) > 0 {
		id := n.open[0]
		frags, _ := n.Normalize(RawEvent{Type: RawToolCallEnd, ID: id})
		out = append(out, frags...)
	}
	return out
}

func (n *Normalizer) track(id string) {
	if _, ok := n.buffers[id]; ok {
		return
	}
	n.buffers[id] = &strings.Builder{}
	n.open = append(n.open, id)
}

func (n *Normalizer) buffer(id string) *strings.Builder {
	n.track(id)
	return n.buffers[id]
}

// finish closes a call and decodes its buffered argument text, if any.
func (n *Normalizer) finish(id string) (*Args, error) {
	b, ok := n.buffers[id]
	delete(n.buffers, id)
	for i, open := range n.open {
		if open == id {
			n.open = append(n.open[:i], n.open[i+1:]...)
			break
		}
	}
	if !ok || strings.TrimSpace(b.String()) == "" {
		return nil, nil
	}
	return ParseArgs([]byte(b.String()))
}

func decodeArgs(raw json.RawMessage) (*Args, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	args, err := ParseArgs(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	return args, nil
}
