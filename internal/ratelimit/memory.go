package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*memoryCount
}

type memoryCount struct {
	n         int64
	expiresAt time.Time
}

// NewMemoryCounter returns an empty counter; now may be nil.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, entries: make(map[string]*memoryCount)}
}

func (c *MemoryCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &memoryCount{}
		c.entries[key] = e
	}
	e.n++
	e.expiresAt = now.Add(ttl)
	c.sweep(now)
	return e.n, nil
}

// sweep drops a bounded number of expired counters per call.
func (c *MemoryCounter) sweep(now time.Time) {
	budget := 16
	for k, e := range c.entries {
		if budget == 0 {
			return
		}
		budget--
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

var _ Counter = (*MemoryCounter)(nil)
