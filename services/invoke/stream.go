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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/invocation"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamMaxMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleStream ingests a live generation stream for one turn.
//
// GET /v1/invoke/turns/:turn/stream
//
// Description:
//
//	Upgrades to a websocket. The turn is opened if it does not exist.
//	Every inbound message is an invocation.RawEvent; a per-connection
//	Normalizer turns it into fragments that are applied in arrival order.
//	Every lifecycle transition of the turn is pushed back as a
//	StreamMessage, including those caused by REST calls on the same turn.
//	When the client disconnects, invocations it left open are ended.
//
// Thread Safety: One reader and one writer goroutine per connection.
func (h *Handlers) HandleStream(c *gin.Context) {
	turnID := c.Param("turn")
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.svc.aggregator.BeginTurn(ctx, turnID); err != nil && !errors.Is(err, invocation.ErrTurnExists) {
		h.fail(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("turn_id", turnID),
			slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	h.logger.Info("stream connected", slog.String("turn_id", turnID))

	sub, unsubscribe := h.svc.hub.subscribe(turnID)
	defer unsubscribe()

	out := make(chan StreamMessage, 16)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeStream(ws, sub, out, done)
	}()

	norm := invocation.NewNormalizer(h.logger)
	h.readStream(ctx, ws, turnID, norm, out, writerDone)
	for _, f := range norm.Flush() {
		if err := h.svc.aggregator.OnFragment(ctx, turnID, f); err != nil {
			h.logger.Warn("flush fragment failed",
				slog.String("turn_id", turnID),
				slog.String("error", err.Error()))
		}
	}

	close(done)
	<-writerDone
	h.logger.Info("stream disconnected", slog.String("turn_id", turnID))
}

func (h *Handlers) readStream(ctx context.Context, ws *websocket.Conn, turnID string, norm *invocation.Normalizer,
	out chan<- StreamMessage, writerDone <-chan struct{}) {

	ws.SetReadLimit(streamMaxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	report := func(err error) {
		select {
		case out <- StreamMessage{Type: "error", Error: err.Error(), At: time.Now().UTC()}:
		case <-writerDone:
		}
	}

	for {
		var ev invocation.RawEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("stream read failed",
					slog.String("turn_id", turnID),
					slog.String("error", err.Error()))
			}
			return
		}
		frags, err := norm.Normalize(ev)
		if err != nil {
			report(err)
			continue
		}
		for _, f := range frags {
			if err := h.svc.aggregator.OnFragment(ctx, turnID, f); err != nil {
				report(err)
			}
		}
	}
}

func (h *Handlers) writeStream(ws *websocket.Conn, sub *subscriber, out <-chan StreamMessage, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	write := func(msg StreamMessage) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := ws.WriteJSON(msg); err != nil {
			h.logger.Warn("stream write failed",
				slog.String("turn_id", sub.turnID),
				slog.String("error", err.Error()))
			// Unblocks the reader.
			ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-sub.events:
			if !ok {
				return
			}
			if !write(StreamMessage{Type: "transition", Transition: &ev, At: ev.At}) {
				return
			}
		case msg := <-out:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				ws.Close()
				return
			}
		case <-done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}
