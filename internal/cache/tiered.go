package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Tiered reads through the local tier into the shared tier. Local copies
// live at most localTTL so that invalidations on other nodes are observed
// within that bound.
type Tiered struct {
	local    Cache
	shared   Cache
	localTTL time.Duration
	logger   *zap.Logger
}

// NewTiered composes the tiers. shared may be nil for single-node setups.
func NewTiered(local, shared Cache, localTTL time.Duration, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &Tiered{local: local, shared: shared, localTTL: localTTL, logger: logger}
}

func (t *Tiered) localFor(ttl time.Duration) time.Duration {
	if ttl < t.localTTL {
		return ttl
	}
	return t.localTTL
}

// Get misses on shared-tier errors; the error is still returned so callers
// can account for it.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.local != nil {
		if v, ok, _ := t.local.Get(ctx, key); ok {
			return v, true, nil
		}
	}
	if t.shared == nil {
		return nil, false, nil
	}
	v, remaining, ok, err := t.sharedGet(ctx, key)
	if err != nil {
		t.logger.Warn("shared cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false, err
	}
	if ok && t.local != nil {
		ttl := t.localTTL
		if remaining > 0 {
			ttl = t.localFor(remaining)
		}
		_ = t.local.Set(ctx, key, v, ttl)
	}
	return v, ok, nil
}

// sharedGet returns the remaining shared TTL when the tier can report it,
// so a local copy never outlives the shared entry.
func (t *Tiered) sharedGet(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	if tg, ok := t.shared.(TTLGetter); ok {
		return tg.GetTTL(ctx, key)
	}
	v, ok, err := t.shared.Get(ctx, key)
	return v, 0, ok, err
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	var errs []error
	if t.local != nil {
		errs = append(errs, t.local.Set(ctx, key, value, t.localFor(ttl)))
	}
	if t.shared != nil {
		errs = append(errs, t.shared.Set(ctx, key, value, ttl))
	}
	return errors.Join(errs...)
}

func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	if t.local != nil {
		errs = append(errs, t.local.Delete(ctx, keys...))
	}
	if t.shared != nil {
		errs = append(errs, t.shared.Delete(ctx, keys...))
	}
	return errors.Join(errs...)
}

// Ping reports the shared tier; the local tier is always reachable.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.shared == nil {
		return nil
	}
	return t.shared.Ping(ctx)
}

// Local exposes the process-local tier for data that must never be shared.
func (t *Tiered) Local() Cache { return t.local }

var _ Cache = (*Tiered)(nil)
