// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invocation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/sashabaranov/go-openai"
)

// GenerationSource yields one turn's fragments in order.
//
// Next blocks until a fragment is available, the source is exhausted
// (io.EOF) or ctx ends.
type GenerationSource interface {
	Next(ctx context.Context) (Fragment, error)
}

// =============================================================================
// SliceSource
// =============================================================================

// SliceSource replays a fixed fragment list.
type SliceSource struct {
	frags []Fragment
	pos   int
}

// NewSliceSource creates a source over frags.
func NewSliceSource(frags ...Fragment) *SliceSource {
	return &SliceSource{frags: frags}
}

// Next returns the next fragment.
func (s *SliceSource) Next(ctx context.Context) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if s.pos >= len(s.frags) {
		return Fragment{}, io.EOF
	}
	f := s.frags[s.pos]
	s.pos++
	return f, nil
}

// =============================================================================
// ChannelSource
// =============================================================================

// ChannelSource reads fragments from a channel until it is closed.
type ChannelSource struct {
	ch <-chan Fragment
}

// NewChannelSource creates a source over ch.
func NewChannelSource(ch <-chan Fragment) *ChannelSource {
	return &ChannelSource{ch: ch}
}

// Next waits for the next fragment.
func (s *ChannelSource) Next(ctx context.Context) (Fragment, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return Fragment{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

// =============================================================================
// queued sources
// =============================================================================

// queue holds normalized fragments waiting to be returned.
type queue struct {
	pending []Fragment
}

func (q *queue) pop() (Fragment, bool) {
	if len(q.pending) == 0 {
		return Fragment{}, false
	}
	f := q.pending[0]
	q.pending = q.pending[1:]
	return f, true
}

// JSONLSource reads newline-delimited RawEvents, as recorded from a
// generation backend, and normalizes them.
//
// Blank lines are skipped. A line that is not a valid event is logged and
// skipped. At end of input any call still open is ended.
type JSONLSource struct {
	scanner *bufio.Scanner
	norm    *Normalizer
	logger  *slog.Logger
	queue
	line int
	done bool
}

// NewJSONLSource creates a source reading r. logger may be nil.
func NewJSONLSource(r io.Reader, logger *slog.Logger) *JSONLSource {
	if logger == nil {
		logger = slog.Default()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &JSONLSource{scanner: sc, norm: NewNormalizer(logger), logger: logger}
}

// Next returns the next fragment.
func (s *JSONLSource) Next(ctx context.Context) (Fragment, error) {
	for {
		if f, ok := s.pop(); ok {
			return f, nil
		}
		if s.done {
			return Fragment{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Fragment{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Fragment{}, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			s.pending = append(s.pending, s.norm.Flush()...)
			s.done = true
			continue
		}
		s.line++
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev RawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("skipping undecodable event", slog.Int("line", s.line), slog.String("error", err.Error()))
			continue
		}
		frags, err := s.norm.Normalize(ev)
		if err != nil {
			s.logger.Warn("skipping malformed event", slog.Int("line", s.line), slog.String("error", err.Error()))
		}
		s.pending = append(s.pending, frags...)
	}
}

// =============================================================================
// OpenAIStreamSource
// =============================================================================

// ChatStream is the receive side of a streaming chat completion.
// *openai.ChatCompletionStream satisfies it.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

// OpenAIStreamSource adapts an OpenAI chat completion stream.
//
// Content deltas become text fragments. Tool call deltas, whose argument
// JSON arrives a few characters at a time keyed by call index, become a
// start per call and an end carrying the decoded arguments once the model
// finishes with tool calls or the stream ends.
type OpenAIStreamSource struct {
	stream ChatStream
	norm   *Normalizer
	local  bool
	ids    map[int]string
	queue
	done bool
}

// NewOpenAIStreamSource wraps stream. locallySourced marks every
// invocation it produces.
func NewOpenAIStreamSource(stream ChatStream, locallySourced bool, logger *slog.Logger) *OpenAIStreamSource {
	return &OpenAIStreamSource{
		stream: stream,
		norm:   NewNormalizer(logger),
		local:  locallySourced,
		ids:    make(map[int]string),
	}
}

// Next returns the next fragment.
func (s *OpenAIStreamSource) Next(ctx context.Context) (Fragment, error) {
	for {
		if f, ok := s.pop(); ok {
			return f, nil
		}
		if s.done {
			return Fragment{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Fragment{}, err
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.pending = append(s.pending, s.norm.Flush()...)
			s.done = true
			continue
		}
		if err != nil {
			return Fragment{}, fmt.Errorf("openai stream: %w", err)
		}
		s.consume(resp)
	}
}

// Close closes the underlying stream if it supports closing.
func (s *OpenAIStreamSource) Close() error {
	if c, ok := s.stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *OpenAIStreamSource) consume(resp openai.ChatCompletionStreamResponse) {
	for _, choice := range resp.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			s.emit(RawEvent{Type: RawText, Text: choice.Delta.Content})
		}
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			id, seen := s.ids[idx]
			if !seen {
				id = tc.ID
				if id == "" {
					id = "call_" + strconv.Itoa(idx)
				}
				s.ids[idx] = id
				s.emit(RawEvent{Type: RawToolCallStart, ID: id, Tool: tc.Function.Name, Local: s.local})
			}
			if tc.Function.Arguments != "" {
				s.emit(RawEvent{Type: RawToolCallDelta, ID: id, ArgsText: tc.Function.Arguments})
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			s.pending = append(s.pending, s.norm.Flush()...)
		}
	}
}

func (s *OpenAIStreamSource) emit(ev RawEvent) {
	frags, _ := s.norm.Normalize(ev)
	s.pending = append(s.pending, frags...)
}
