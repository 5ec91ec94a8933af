// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/clauselight/clauselight/services/analysis/registry"
)

// subscriberBuffer bounds each subscriber's queue. A slow websocket client
// drops events rather than blocking the registry's post-commit hook.
const subscriberBuffer = 16

// ProgressEvent is one task progress update pushed to websocket clients.
type ProgressEvent struct {
	TaskID          string         `json:"task_id"`
	State           registry.State `json:"state"`
	ProgressPercent float64        `json:"progress_percent"`
	StepDescription string         `json:"step_description,omitempty"`
	At              time.Time      `json:"at"`
}

// Hub fans task transitions out to websocket subscribers.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan ProgressEvent]struct{}
	logger *slog.Logger
}

// NewHub creates a Hub wired to the registry's transition observer.
func NewHub(reg *registry.Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	hub := &Hub{
		subs:   make(map[string]map[chan ProgressEvent]struct{}),
		logger: logger,
	}
	reg.OnTransition(hub.publish)
	return hub
}

func (h *Hub) publish(entry registry.Entry, ev registry.HistoryEvent) {
	event := ProgressEvent{
		TaskID:          entry.TaskID,
		State:           ev.To,
		ProgressPercent: ev.Progress,
		StepDescription: entry.StepDescription,
		At:              ev.At,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[entry.TaskID] {
		select {
		case ch <- event:
		default:
			// Slow consumer; it will catch up from the entry on reconnect.
		}
	}
}

// Subscribe returns a channel of events for one task and a cancel func
// that must be called when the subscriber is done.
func (h *Hub) Subscribe(taskID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan ProgressEvent]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[taskID], ch)
		if len(h.subs[taskID]) == 0 {
			delete(h.subs, taskID)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced at the platform edge.
		return true
	},
}

// handleTaskEvents streams a task's progress events over a websocket. The
// current state is sent first so late subscribers do not miss the tail of
// a fast task.
func (g *Gateway) handleTaskEvents(c *gin.Context) {
	taskID := c.Param("id")
	entry, err := g.reg.Get(c.Request.Context(), taskID)
	if err != nil {
		g.writeError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	events, cancel := g.hub.Subscribe(taskID)
	defer cancel()

	snapshot := ProgressEvent{
		TaskID:          entry.TaskID,
		State:           entry.CurrentState,
		ProgressPercent: entry.ProgressPercent,
		StepDescription: entry.StepDescription,
		At:              entry.UpdatedAt,
	}
	if err := ws.WriteJSON(snapshot); err != nil {
		return
	}
	if entry.CurrentState.Terminal() {
		return
	}

	// Drain client frames so pings and close frames are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-clientGone:
			return
		case event := <-events:
			if err := ws.WriteJSON(event); err != nil {
				return
			}
			if event.State.Terminal() {
				return
			}
		}
	}
}
