// Package broadcast fans session-lifecycle events out to the set of live
// real-time subscribers. The hub owns subscriber registration only; the
// transport layer owns the underlying connections.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the lifecycle events pushed to subscribers.
type EventType string

const (
	// EventLoginSuccess is emitted after a successful upstream login.
	EventLoginSuccess EventType = "login-success"
	// EventRegistration is emitted after a registration is forwarded upstream.
	EventRegistration EventType = "registration"
)

// Event is a typed notification delivered to subscribers. Events are
// constructed, delivered, and discarded; they are never queued or retried.
type Event struct {
	Type        EventType      `json:"type"`
	Environment string         `json:"environment,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, environment string, payload map[string]any) Event {
	return Event{
		Type:        t,
		Environment: environment,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// Conn is the write side of a subscriber connection. Implementations must be
// safe for concurrent WriteJSON calls.
type Conn interface {
	WriteJSON(v any) error
}

// Subscriber is a registered real-time client with an optional set of
// environment filters. An empty filter set receives every event.
type Subscriber struct {
	ID           string
	SubscribedAt time.Time

	conn    Conn
	filters map[string]struct{}
}

// wants reports whether the subscriber should receive an event scoped to the
// given environment. Events with no environment go to everyone.
func (s *Subscriber) wants(environment string) bool {
	if environment == "" || len(s.filters) == 0 {
		return true
	}
	_, ok := s.filters[environment]
	return ok
}

// Option configures a Hub.
type Option func(*Hub)

// WithSubscriberGauge registers a callback invoked with the subscriber count
// whenever the set changes.
func WithSubscriberGauge(fn func(n int)) Option {
	return func(h *Hub) { h.onCount = fn }
}

// WithDeliveryCounter registers a callback invoked once per delivery attempt.
func WithDeliveryCounter(fn func(ok bool)) Option {
	return func(h *Hub) { h.onDelivery = fn }
}

// Hub maintains the live subscriber set and publishes events to the matching
// subset. Registration, removal, and publish may all run concurrently; each
// publish delivers over a snapshot of the set taken under the read lock, so
// no subscriber sees a partial or duplicated delivery for a single event.
type Hub struct {
	mu   sync.RWMutex
	subs map[Conn]*Subscriber

	logger     *slog.Logger
	onCount    func(int)
	onDelivery func(bool)
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:   make(map[Conn]*Subscriber),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers the connection with the given environment filters.
// No filters means the subscriber receives all events. Subscribing an
// already-registered connection replaces its filter set.
func (h *Hub) Subscribe(c Conn, environments ...string) *Subscriber {
	sub := &Subscriber{
		ID:           uuid.New().String(),
		SubscribedAt: time.Now().UTC(),
		conn:         c,
		filters:      make(map[string]struct{}, len(environments)),
	}
	for _, env := range environments {
		if env != "" {
			sub.filters[env] = struct{}{}
		}
	}

	h.mu.Lock()
	if prev, ok := h.subs[c]; ok {
		// Keep the original identity when a client re-subscribes to change
		// its filter.
		sub.ID = prev.ID
		sub.SubscribedAt = prev.SubscribedAt
	}
	h.subs[c] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.notifyCount(n)
	h.logger.Debug("subscriber registered",
		slog.String("subscriber_id", sub.ID),
		slog.Int("filters", len(sub.filters)),
		slog.Int("subscribers", n),
	)
	return sub
}

// Unsubscribe removes the connection's subscriber. It is idempotent: removing
// an unknown connection is a no-op.
func (h *Hub) Unsubscribe(c Conn) {
	h.mu.Lock()
	sub, ok := h.subs[c]
	if ok {
		delete(h.subs, c)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.notifyCount(n)
	h.logger.Debug("subscriber removed",
		slog.String("subscriber_id", sub.ID),
		slog.Int("subscribers", n),
	)
}

// Publish delivers the event to every subscriber whose filter matches the
// event's environment. Delivery is best-effort and at-most-once per
// subscriber; a failed write is logged and never surfaced to the caller.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(evt.Environment) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		err := sub.conn.WriteJSON(evt)
		if h.onDelivery != nil {
			h.onDelivery(err == nil)
		}
		if err != nil {
			h.logger.Warn("broadcast delivery failed",
				slog.String("subscriber_id", sub.ID),
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) notifyCount(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}
