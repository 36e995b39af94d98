// Package events provides a typed in-process pub-sub bus for gatekeeper
// domain events. Components publish admission decisions, penalty changes,
// breaker transitions and degradation changes; handlers run synchronously
// on the publishing goroutine so ordering is preserved per publisher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type classifies event categories.
type Type string

const (
	EventRequestAllowed     Type = "admission.allowed"
	EventRequestBlocked     Type = "admission.blocked"
	EventRequestWarning     Type = "admission.warning"
	EventSuspiciousActivity Type = "admission.suspicious"
	EventPenaltyApplied     Type = "penalty.applied"
	EventPenaltyRevoked     Type = "penalty.revoked"
	EventAdmissionError     Type = "admission.error"
	EventBreakerStateChange Type = "breaker.state.changed"
	EventDegradationChange  Type = "degradation.level.changed"
	EventBoundaryIsolated   Type = "boundary.isolated"
	EventBoundaryRecovered  Type = "boundary.recovered"
	EventResourceReleased   Type = "resource.released"
	EventServerAdded        Type = "registry.server_added"
	EventServerRemoved      Type = "registry.server_removed"
	EventServerUpdated      Type = "registry.server_updated"
	EventConfigReloaded     Type = "registry.config_reloaded"
)

// Event represents a domain event in the gatekeeper core.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	UserID    string                 `json:"user_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for domain events.
//
// Handlers run synchronously on the emitting goroutine: the resilience
// boundary relies on breaker transition events being observed before the
// next call enters the orchestrator.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event)

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType Type, handler Handler) (unsubscribe func())

	// Close shuts down the bus; subsequent publishes are dropped.
	Close() error
}

// LocalBus is an in-memory Bus implementation. Suitable for the
// single-process core; cross-process distribution is out of scope.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriberEntry
	nextID      int
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocalBus creates a new in-memory event bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// Publish delivers an event to all matching subscribers synchronously.
// Handler errors are logged and do not stop delivery to later handlers.
func (b *LocalBus) Publish(ctx context.Context, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subscribers[event.Type]))
	for _, entry := range b.subscribers[event.Type] {
		handlers = append(handlers, entry.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			slog.Warn("[EventBus] Handler error", "type", event.Type, "error", err)
		}
	}
}

// Subscribe registers a handler for a specific event type.
func (b *LocalBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the event bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
