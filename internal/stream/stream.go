// Package stream fans security events out to live subscribers.
package stream

import (
	"context"
	"sync"

	"arbiter.gg/internal/audit"
)

const subscriberBuffer = 32

// Hub fan-outs audit events to all active subscribers (SSE clients).
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan audit.Event
	next   int
	closed bool
}

func New() *Hub {
	return &Hub{subs: make(map[int]chan audit.Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when ctx ends or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context) <-chan audit.Event {
	ch := make(chan audit.Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish implements audit.Publisher. Slow subscribers miss events.
func (h *Hub) Publish(_ context.Context, ev audit.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return nil
}

var _ audit.Publisher = (*Hub)(nil)
