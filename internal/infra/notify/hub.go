// Package notify delivers committed change events to interested parties:
// the in-process live feed, a Redis channel, or both.
//
// Events are hints. A dropped or duplicated event never corrupts state;
// consumers re-fetch the entity it names.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/timebank-network/timebank/internal/domain"
	"github.com/timebank-network/timebank/internal/infra/observability"
)

// Sink is a named notifier. The name labels failure metrics.
type Sink interface {
	domain.Notifier
	Name() string
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// ─── Hub ────────────────────────────────────────────────────────────────────

// Hub fans events out to live subscribers. A subscriber that falls behind
// loses events rather than blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	buffer  int
}

var _ Sink = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{}), buffer: DefaultBuffer}
}

// Name implements Sink.
func (h *Hub) Name() string { return "hub" }

// Publish encodes ev once and offers it to every subscriber.
func (h *Hub) Publish(_ context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// slow subscriber
		}
	}
	return nil
}

// Subscribe registers a client. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	observability.EventSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
			observability.EventSubscribers.Dec()
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── Discard ────────────────────────────────────────────────────────────────

// Discard drops every event.
type Discard struct{}

// Name implements Sink.
func (Discard) Name() string { return "discard" }

// Publish implements domain.Notifier.
func (Discard) Publish(context.Context, domain.ChangeEvent) error { return nil }
