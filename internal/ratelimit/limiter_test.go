package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type flakyCounter struct {
	failures int
	calls    int
	inner    Counter
}

func (f *flakyCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("connection refused")
	}
	return f.inner.Increment(ctx, key, ttl)
}

func TestSixthCallInWindowIsLimited(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_200, 0)}
	l := New(NewMemoryCounter(clock.Now), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.CheckAndIncrement(ctx, "user-1:10.0.0.1", 5*time.Minute, 5)
		require.True(t, res.Allowed, "call %d", i+1)
		assert.Equal(t, int64(i), res.Count)
	}
	res := l.CheckAndIncrement(ctx, "user-1:10.0.0.1", 5*time.Minute, 5)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(5), res.Count)

	// window opened at 1_700_000_100 and closes 300s later
	assert.Equal(t, 200*time.Second, res.RetryAfter)

	other := l.CheckAndIncrement(ctx, "user-2:10.0.0.1", 5*time.Minute, 5)
	assert.True(t, other.Allowed)
}

func TestNewWindowResetsCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(NewMemoryCounter(clock.Now), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.CheckAndIncrement(ctx, "k", time.Minute, 2)
	}
	assert.False(t, l.CheckAndIncrement(ctx, "k", time.Minute, 2).Allowed)

	clock.t = clock.t.Add(time.Minute)
	assert.True(t, l.CheckAndIncrement(ctx, "k", time.Minute, 2).Allowed)
}

func TestFailsOpen(t *testing.T) {
	counter := &flakyCounter{failures: 2, inner: NewMemoryCounter(nil)}
	l := New(counter)

	res := l.CheckAndIncrement(context.Background(), "k", time.Minute, 1)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 2, counter.calls)
}

func TestRetriesIncrementOnce(t *testing.T) {
	counter := &flakyCounter{failures: 1, inner: NewMemoryCounter(nil)}
	l := New(counter)

	res := l.CheckAndIncrement(context.Background(), "k", time.Minute, 1)
	assert.True(t, res.Allowed)
	assert.False(t, res.Degraded)
	assert.Equal(t, 2, counter.calls)
}

func TestCounterTTLOutlivesWindow(t *testing.T) {
	assert.Equal(t, 330*time.Second, counterTTL(5*time.Minute))
	assert.Equal(t, 3*time.Second, counterTTL(2*time.Second))
}

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("ARBITER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARBITER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	key := "arbiter-test:rl:" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { client.Del(ctx, key) })

	c := NewRedisCounter(client)
	n, err := c.Increment(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Increment(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
