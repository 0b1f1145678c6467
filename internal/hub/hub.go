// Package hub fans realtime session events out to connected listeners.
//
// The hub keeps, per session id, the set of currently connected listeners.
// Broadcasting to a session nobody listens to is a no-op: events are never
// buffered for late joiners. Each event is marshalled once and delivered to
// every listener concurrently with a per-listener timeout, so a slow or dead
// listener cannot hold up the others or the caller. Listeners whose delivery
// fails are disconnected.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
)

const defaultSendTimeout = 5 * time.Second

// Listener receives serialized events for one session.
type Listener interface {
	// ID uniquely identifies the listener within its session.
	ID() string

	// Send delivers one JSON-encoded event.
	Send(ctx context.Context, payload []byte) error
}

// Broadcaster is the publish side of the hub, as consumed by the turn
// pipeline, lifecycle and evaluation runner.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, event practice.Event)
}

// Hub is the per-session listener registry. All methods are safe for
// concurrent use.
type Hub struct {
	metrics     *observe.Metrics
	sendTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]map[string]Listener
}

// Option is a functional option for [Hub].
type Option func(*Hub)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSendTimeout bounds delivery to a single listener. Defaults to 5s.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// New returns an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		sendTimeout: defaultSendTimeout,
		sessions:    make(map[string]map[string]Listener),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Connect registers l for sessionID. Connecting a listener with an id that
// is already registered replaces the old one.
func (h *Hub) Connect(sessionID string, l Listener) {
	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[string]Listener)
		h.sessions[sessionID] = set
	}
	_, replaced := set[l.ID()]
	set[l.ID()] = l
	h.mu.Unlock()

	if !replaced {
		h.metrics.HubListeners.Add(context.Background(), 1)
	}
	slog.Debug("hub listener connected", "session_id", sessionID, "listener_id", l.ID())
}

// Disconnect removes l from sessionID and drops the session entry once it
// is empty. Disconnecting an unknown listener is a no-op.
func (h *Hub) Disconnect(sessionID string, l Listener) {
	h.mu.Lock()
	removed := false
	if set, ok := h.sessions[sessionID]; ok {
		if cur, ok := set[l.ID()]; ok && cur == l {
			delete(set, l.ID())
			removed = true
		}
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()

	if removed {
		h.metrics.HubListeners.Add(context.Background(), -1)
		slog.Debug("hub listener disconnected", "session_id", sessionID, "listener_id", l.ID())
	}
}

// Listeners returns the number of listeners connected to sessionID.
func (h *Hub) Listeners(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Sessions returns the number of sessions with at least one listener.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers event to every listener of sessionID and returns once
// each delivery finished or timed out. Errors are logged, never returned.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, event practice.Event) {
	h.mu.RLock()
	set := h.sessions[sessionID]
	targets := make([]Listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		observe.Logger(ctx).Error("hub: marshal event", "session_id", sessionID, "type", event.Type, "err", err)
		return
	}

	var wg sync.WaitGroup
	for _, l := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sendTimeout)
			defer cancel()
			if err := l.Send(sendCtx, payload); err != nil {
				observe.Logger(ctx).Warn("hub: delivery failed, dropping listener",
					"session_id", sessionID, "listener_id", l.ID(), "type", event.Type, "err", err)
				h.Disconnect(sessionID, l)
			}
		}()
	}
	wg.Wait()
	h.metrics.RecordBroadcast(ctx, string(event.Type))
}

var _ Broadcaster = (*Hub)(nil)
