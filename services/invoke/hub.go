// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invoke

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
)

// subscriberBuffer is the per-connection event backlog before events are
// dropped.
const subscriberBuffer = 64

type subscriber struct {
	turnID string
	events chan invocation.TransitionEvent
}

// hub fans transition events out to websocket subscribers by turn.
//
// publish is registered as a TransitionObserver and therefore runs under a
// turn lock; it never blocks. A subscriber that falls behind loses events
// and is told so by the stream handler.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

func (h *hub) publish(ev invocation.TransitionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.TurnID] {
		select {
		case s.events <- ev:
		default:
			h.logger.Warn("stream subscriber lagging, event dropped",
				slog.String("turn_id", ev.TurnID),
				slog.String("invocation_id", ev.InvocationID))
		}
	}
}

// subscribe registers for events of turnID. The returned func unsubscribes
// and closes the channel.
func (h *hub) subscribe(turnID string) (*subscriber, func()) {
	s := &subscriber{
		turnID: turnID,
		events: make(chan invocation.TransitionEvent, subscriberBuffer),
	}
	h.mu.Lock()
	if h.subs[turnID] == nil {
		h.subs[turnID] = make(map[*subscriber]struct{})
	}
	h.subs[turnID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[turnID], s)
			if len(h.subs[turnID]) == 0 {
				delete(h.subs, turnID)
			}
			h.mu.Unlock()
			close(s.events)
		})
	}
}

func (h *hub) count(turnID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[turnID])
}
