// Package ratelimit implements fixed-window counters keyed by an arbitrary
// identifier. On counter store failure the limiter follows the mode
// declared for failmode.RateLimit (open) and logs a warning.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/failmode"
	"arbiter.gg/internal/obs"
)

// Counter atomically increments key, arms its expiry, and returns the
// value after the increment.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Result is the outcome of one CheckAndIncrement call.
type Result struct {
	Allowed bool
	// Count is the number of calls observed in the window before this one.
	Count int64
	// RetryAfter is the time until the current window closes.
	RetryAfter time.Duration
	// Degraded is set when the counter store failed and the call was
	// allowed without being counted.
	Degraded bool
}

// Limiter applies windowed limits on top of a Counter.
type Limiter struct {
	counter Counter
	now     func() time.Time
	logger  *zap.Logger
	prefix  string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPrefix namespaces counter keys.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// New returns a Limiter over counter.
func New(counter Counter, opts ...Option) *Limiter {
	l := &Limiter{
		counter: counter,
		now:     time.Now,
		logger:  zap.NewNop(),
		prefix:  "rl:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WindowStart aligns t to the start of its window.
func WindowStart(t time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return t.Unix() / secs * secs
}

// CheckAndIncrement records one call for identifier and reports whether it
// stays within limit calls per window. The decision uses the count observed
// before the increment; the increment happens whether or not the call is
// allowed.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identifier string, window time.Duration, limit int) Result {
	if window < time.Second {
		window = time.Second
	}
	now := l.now()
	start := WindowStart(now, window)
	retryAfter := time.Unix(start, 0).Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	key := l.prefix + identifier + ":" + strconv.FormatInt(start, 10)

	after, err := l.counter.Increment(ctx, key, counterTTL(window))
	if err != nil {
		after, err = l.counter.Increment(ctx, key, counterTTL(window))
	}
	if err != nil {
		mode := failmode.For(failmode.RateLimit)
		if mode == failmode.Open {
			obs.RateLimitFailOpen()
		}
		l.logger.Warn("rate limit counter unavailable",
			zap.String("event", "ratelimit_store_error"),
			zap.String("mode", mode.String()),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return Result{Allowed: mode == failmode.Open, RetryAfter: retryAfter, Degraded: true}
	}

	before := after - 1
	return Result{
		Allowed:    before < int64(limit),
		Count:      before,
		RetryAfter: retryAfter,
	}
}

// counterTTL keeps a counter alive slightly past its window.
func counterTTL(window time.Duration) time.Duration {
	slack := window / 10
	if slack < time.Second {
		slack = time.Second
	}
	return window + slack
}
