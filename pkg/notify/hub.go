package notify

import (
	"context"
	"sync"
)

// Hub fans envelopes out to live subscribers such as websocket streams.
// Slow subscribers drop envelopes instead of blocking the engine.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Envelope]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan Envelope]struct{}{}}
}

// Subscribe registers a buffered channel.
func (h *Hub) Subscribe(buffer int) chan Envelope {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Envelope, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (h *Hub) Unsubscribe(ch chan Envelope) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver implements Sink.
func (h *Hub) Deliver(_ context.Context, env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}
