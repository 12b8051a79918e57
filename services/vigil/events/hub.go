// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events pushes coordinator events to the host over WebSocket.
//
// # Description
//
// The Hub fans every published Event out to all connected sockets and to
// in-process subscribers. Delivery is best effort: a subscriber whose buffer
// is full misses the event. The coordinator never blocks on the host.
package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/Vigil/services/vigil/capture"
)

// Type names an event.
type Type string

const (
	TypePending      Type = "intervention.pending"
	TypePhase        Type = "intervention.phase"
	TypeAcknowledged Type = "intervention.acknowledged"
	TypeSpeech       Type = "speech"
	TypeAcquire      Type = "capture.acquire"
	TypeRelease      Type = "capture.release"
	TypeGuidance     Type = "capture.guidance"
	TypeRefocus      Type = "refocus"
	TypeInterjection Type = "interjection"
	TypeTasks        Type = "tasks.updated"
	TypeReward       Type = "reward"
)

// Event is one message to the host.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

const (
	defaultBuffer = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 1024 * 1024,
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is the event fan-out.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Publish sends an event to every subscriber without blocking.
func (h *Hub) Publish(typ Type, payload any) Event {
	ev := Event{ID: uuid.NewString(), Type: typ, Time: time.Now().UTC(), Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ev
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("event dropped for slow subscriber", "type", typ)
		}
	}
	return ev
}

// Subscribe registers an in-process listener. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close()
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s.ch, func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.close()
	}
}

// Subscribers returns the number of listeners, sockets included.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.close()
	}
	h.subs = map[*subscriber]struct{}{}
}

// ServeWS upgrades the request and streams events until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	events, cancel := h.Subscribe(defaultBuffer)
	defer cancel()
	h.logger.Info("host connected to event stream", "remote", r.RemoteAddr)

	// The host never sends anything meaningful; reading keeps pongs and
	// close frames flowing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(4 * 1024)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("host disconnected from event stream", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Warn("failed to write event", "type", ev.Type, "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// capture.HostNotifier
// =============================================================================

// RequestAcquire asks the host to open an input device.
func (h *Hub) RequestAcquire(req capture.AcquireRequest) {
	h.Publish(TypeAcquire, req)
}

// RequestRelease asks the host to release a device it opened.
func (h *Hub) RequestRelease(requestID string) {
	h.Publish(TypeRelease, map[string]string{"request_id": requestID})
}

var _ capture.HostNotifier = (*Hub)(nil)
