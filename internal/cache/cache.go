// Package cache is the two-tier cache used by token verification and the
// decision engine: a process-local tier in front of a shared Redis tier.
// Values are opaque bytes; callers choose the TTL for every entry.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures of the backing cache service.
var ErrUnavailable = errors.New("cache: unavailable")

// Cache is the get/put/invalidate contract shared by every tier.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Ping reports whether the tier is reachable.
	Ping(ctx context.Context) error
}

// TTLGetter is implemented by tiers that report an entry's remaining
// lifetime with its value. A non-positive ttl means the tier has no expiry
// for the key.
type TTLGetter interface {
	GetTTL(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool, err error)
}

// Fetch decodes the CBOR value stored under key into dst.
func Fetch(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := Unmarshal(raw, dst); err != nil {
		// Undecodable entries are dropped rather than served.
		_ = c.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// Put encodes v as CBOR and stores it under key.
func Put(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}
