package cache

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

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type brokenCache struct{}

var errBroken = errors.New("boom")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBroken }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenCache) Delete(context.Context, ...string) error { return errBroken }
func (brokenCache) Ping(context.Context) error              { return errBroken }

func TestMemoryExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(clock.Now)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.Advance(time.Minute)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "zero", []byte("v"), 0))
	_, ok, _ = m.Get(ctx, "zero")
	assert.False(t, ok)
}

func TestLocalRoundTrip(t *testing.T) {
	l, err := NewLocal(1 << 20)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k", []byte("hello"), time.Minute))
	v, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	require.NoError(t, l.Delete(ctx, "k"))
	_, ok, _ = l.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTieredReadThroughAndInvalidate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	local := NewMemory(clock.Now)
	shared := NewMemory(clock.Now)
	tc := NewTiered(local, shared, 10*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, shared.Set(ctx, "k", []byte("v1"), time.Hour))
	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	// populated into the local tier with the short TTL
	_, ok, _ = local.Get(ctx, "k")
	assert.True(t, ok)
	clock.Advance(11 * time.Second)
	_, ok, _ = local.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, tc.Set(ctx, "k", []byte("v2"), time.Hour))
	require.NoError(t, tc.Delete(ctx, "k"))
	_, ok, _ = tc.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTieredLocalCopyNeverOutlivesShared(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	local := NewMemory(clock.Now)
	shared := NewMemory(clock.Now)
	tc := NewTiered(local, shared, 10*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, shared.Set(ctx, "k", []byte("v"), 3*time.Second))
	clock.Advance(time.Second)
	_, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ttl, ok, err := local.GetTTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, ttl)

	clock.Advance(2 * time.Second)
	_, ok, _ = shared.Get(ctx, "k")
	assert.False(t, ok)
	_, ok, _ = tc.Get(ctx, "k")
	assert.False(t, ok, "local copy served after the shared entry expired")
}

func TestTieredSharedFailureIsMiss(t *testing.T) {
	tc := NewTiered(NewMemory(nil), brokenCache{}, time.Second, nil)
	_, ok, err := tc.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorIs(t, err, errBroken)
	assert.Error(t, tc.Ping(context.Background()))
}

func TestFetchPutStruct(t *testing.T) {
	type item struct {
		Name  string
		Tags  []string
		Attrs map[string]any
	}
	m := NewMemory(nil)
	ctx := context.Background()
	in := item{Name: "sword", Tags: []string{"rare"}, Attrs: map[string]any{"dmg": 12.5}}
	require.NoError(t, Put(ctx, m, "item", in, time.Minute))

	var out item
	ok, err := Fetch(ctx, m, "item", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)

	require.NoError(t, m.Set(ctx, "junk", []byte{0xff, 0x00}, time.Minute))
	ok, err = Fetch(ctx, m, "junk", &out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestDigestIgnoresMapOrder(t *testing.T) {
	a := map[string]any{"zone": "north", "risk": 0.2, "nested": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"nested": map[string]any{"a": 2, "b": 1}, "risk": 0.2, "zone": "north"}
	da, err := Digest("Player", "123", a)
	require.NoError(t, err)
	db, err := Digest("Player", "123", b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	dc, err := Digest("Player", "124", a)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}

func TestRedisTier(t *testing.T) {
	addr := os.Getenv("ARBITER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARBITER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedis(client, "arbiter-test:")
	ctx := context.Background()

	require.NoError(t, r.Ping(ctx))
	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	v, ttl, ok, err := r.GetTTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
	assert.True(t, ttl > 0 && ttl <= time.Minute, "ttl %s", ttl)

	require.NoError(t, r.Delete(ctx, "k"))
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = r.GetTTL(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
