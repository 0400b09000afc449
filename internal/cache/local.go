package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Local is the process-local tier. Writes are applied before Set returns;
// eviction is cost based with cost = len(value).
type Local struct {
	store *ristretto.Cache[string, []byte]
}

// NewLocal builds a local tier bounded to maxBytes of values.
func NewLocal(maxBytes int64) (*Local, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        maxBytes / 64,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: init local tier: %w", err)
	}
	return &Local{store: store}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	l.store.SetWithTTL(key, stored, int64(len(stored))+1, ttl)
	l.store.Wait()
	return nil
}

func (l *Local) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		l.store.Del(k)
	}
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }

// Close releases the background goroutines of the tier.
func (l *Local) Close() {
	l.store.Close()
}

var _ Cache = (*Local)(nil)
