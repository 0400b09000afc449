package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter.gg/internal/cache"
	"arbiter.gg/internal/opt"
	"arbiter.gg/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *captureAuditor) Security(_ context.Context, event string, _ map[string]any) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *captureAuditor) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

type testEnv struct {
	m       *Manager
	store   *MemoryStore
	idp     *MemoryIdentities
	clock   *fakeClock
	auditor *captureAuditor
}

func newTestEnv(t *testing.T, opts ...ManagerOption) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	idp := NewMemoryIdentities()
	require.NoError(t, idp.Add(Identity{
		UserID:     "player-123",
		Username:   "ayla",
		UserType:   UserTypePlayer,
		Roles:      []string{"Player", "player"},
		AllianceID: opt.Some("alliance-7"),
		Level:      opt.Some(12),
		Active:     true,
	}, "correct horse"))
	require.NoError(t, idp.Add(Identity{
		UserID:   "admin-1",
		Username: "ops",
		UserType: UserTypeAdmin,
		Roles:    []string{"admin"},
		Active:   true,
	}, "s3cret"))

	limiter := ratelimit.New(ratelimit.NewMemoryCounter(clock.Now), ratelimit.WithClock(clock.Now))
	auditor := &captureAuditor{}
	local := cache.NewMemory(clock.Now)
	base := []ManagerOption{
		WithSecrets([]byte("access-secret"), []byte("refresh-secret")),
		WithClock(clock.Now),
		WithAuditor(auditor),
		WithRevocationCache(local),
	}
	m, err := NewManager(store, idp, limiter, append(base, opts...)...)
	require.NoError(t, err)
	return &testEnv{m: m, store: store, idp: idp, clock: clock, auditor: auditor}
}

func (e *testEnv) login(t *testing.T, device string) TokenPair {
	t.Helper()
	pair, err := e.m.Login(context.Background(), "ayla", "correct horse", device, UserTypePlayer)
	require.NoError(t, err)
	return pair
}

func TestLoginAndVerify(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")

	assert.Equal(t, []string{"player"}, pair.Roles)
	assert.Equal(t, "alliance-7", pair.AllianceID.Or(""))
	assert.Equal(t, int64(900), pair.ExpiresIn(env.clock.Now()))

	claims, err := env.m.Verify(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "player-123", claims.Subject)
	assert.Equal(t, "d1", claims.DeviceID)
	assert.Equal(t, pair.SessionID, claims.SessionID)
	assert.Equal(t, UserTypePlayer, claims.UserType)
	assert.Equal(t, 12, claims.Level.Or(0))
	assert.NotEmpty(t, claims.ID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.m.Login(ctx, "ayla", "wrong", "d1", UserTypePlayer)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.m.Login(ctx, "nobody", "x", "d1", UserTypePlayer)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.m.Login(ctx, "ayla", "correct horse", "d1", UserTypeAdmin)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyFailures(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	_, err := env.m.Verify(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = env.m.Verify(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidTokenType)

	other := newTestEnv(t, WithSecrets([]byte("other-secret"), []byte("refresh-secret")))
	_, err = other.m.Verify(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	foreign := newTestEnv(t, WithAudience("admin-console"))
	_, err = foreign.m.Verify(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	env.clock.Advance(16 * time.Minute)
	_, err = env.m.Verify(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	env := newTestEnv(t)
	first := env.login(t, "d1")
	ctx := context.Background()

	env.clock.Advance(time.Minute)
	second, err := env.m.Refresh(ctx, RefreshRequest{Token: first.RefreshToken, DeviceID: "d1", SourceAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, first.TokenFamily, second.TokenFamily)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	chain, live, err := env.m.FamilyChain(ctx, first.TokenFamily)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[0].Used)
	assert.Equal(t, chain[1].TokenID, chain[0].ReplacedBy.Or(""))
	assert.Equal(t, chain[0].TokenID, chain[1].PreviousTokenID.Or(""))
	tip, ok := live.Get()
	require.True(t, ok)
	assert.Equal(t, chain[1].TokenID, tip.TokenID)

	_, err = env.m.Verify(ctx, second.AccessToken)
	require.NoError(t, err)
}

func TestRefreshPicksUpIdentityChanges(t *testing.T) {
	env := newTestEnv(t)
	first := env.login(t, "d1")

	identity, err := env.idp.Lookup(context.Background(), "player-123")
	require.NoError(t, err)
	identity.Roles = []string{"player", "officer"}
	identity.AllianceID = opt.None[string]()
	require.NoError(t, env.idp.Update(identity))

	second, err := env.m.Refresh(context.Background(), RefreshRequest{Token: first.RefreshToken, DeviceID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"player", "officer"}, second.Roles)
	assert.False(t, second.AllianceID.Present())
}

// A used token presented again revokes the family and every access token
// minted in it.
func TestReplayRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	first := env.login(t, "d1")
	ctx := context.Background()

	second, err := env.m.Refresh(ctx, RefreshRequest{Token: first.RefreshToken, DeviceID: "d1"})
	require.NoError(t, err)

	_, err = env.m.Refresh(ctx, RefreshRequest{Token: first.RefreshToken, DeviceID: "d1"})
	require.ErrorIs(t, err, ErrReplayDetected)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, 1, env.auditor.count("auth.refresh.replay_detected"))

	for _, access := range []string{first.AccessToken, second.AccessToken} {
		_, err = env.m.Verify(ctx, access)
		assert.ErrorIs(t, err, ErrRevoked)
	}

	_, err = env.m.Refresh(ctx, RefreshRequest{Token: second.RefreshToken, DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrFamilyRevoked)

	sess, err := env.store.Sessions(ctx).Find(ctx, first.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Invalidated)
	assert.Equal(t, ReasonReplay, sess.InvalidatedReason.Or(""))
}

func TestReplayInvalidatesEveryUserSession(t *testing.T) {
	env := newTestEnv(t)
	phone := env.login(t, "d1")
	laptop := env.login(t, "d2")
	ctx := context.Background()
	require.NotEqual(t, phone.TokenFamily, laptop.TokenFamily)

	admin, err := env.m.Login(ctx, "ops", "s3cret", "d9", UserTypeAdmin)
	require.NoError(t, err)

	_, err = env.m.Refresh(ctx, RefreshRequest{Token: phone.RefreshToken, DeviceID: "d1"})
	require.NoError(t, err)
	_, err = env.m.Refresh(ctx, RefreshRequest{Token: phone.RefreshToken, DeviceID: "d1"})
	require.ErrorIs(t, err, ErrReplayDetected)

	_, err = env.m.Verify(ctx, laptop.AccessToken)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = env.m.Refresh(ctx, RefreshRequest{Token: laptop.RefreshToken, DeviceID: "d2"})
	assert.ErrorIs(t, err, ErrFamilyRevoked)

	sess, err := env.store.Sessions(ctx).Find(ctx, laptop.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ReasonReplay, sess.InvalidatedReason.Or(""))

	// other users are untouched
	_, err = env.m.Verify(ctx, admin.AccessToken)
	assert.NoError(t, err)
}

func TestConcurrentRefreshExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     []TokenPair
		replays  int
		failures []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			got, err := env.m.Refresh(ctx, RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1", SourceAddress: addr})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, got)
			case errors.Is(err, ErrReplayDetected):
				replays++
			default:
				failures = append(failures, err)
			}
		}(fmt.Sprintf("10.0.1.%d", i))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.GreaterOrEqual(t, replays, 1)
	assert.Equal(t, racers, len(wins)+replays+len(failures))
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrFamilyRevoked)
	}
	for _, w := range wins {
		_, err := env.m.Refresh(ctx, RefreshRequest{Token: w.RefreshToken, DeviceID: "d1"})
		assert.ErrorIs(t, err, ErrFamilyRevoked)
		_, err = env.m.Verify(ctx, w.AccessToken)
		assert.Error(t, err)
	}
}

// gatedStore holds the first successful claim until the family has been
// revoked, forcing the winner to mint after a concurrent replay.
type gatedStore struct {
	*MemoryStore
	once    sync.Once
	claimed chan struct{}
	revoked chan struct{}
}

type gatedTokens struct {
	RefreshTokenStore
	g *gatedStore
}

func (g *gatedStore) RefreshTokens(ctx context.Context) RefreshTokenStore {
	return gatedTokens{RefreshTokenStore: g.MemoryStore.RefreshTokens(ctx), g: g}
}

func (g *gatedStore) RevokeFamily(ctx context.Context, family, reason string, at time.Time) (FamilyRevocation, error) {
	res, err := g.MemoryStore.RevokeFamily(ctx, family, reason, at)
	g.once.Do(func() { close(g.revoked) })
	return res, err
}

func (t gatedTokens) Claim(ctx context.Context, tokenID string, at time.Time) error {
	if err := t.RefreshTokenStore.Claim(ctx, tokenID, at); err != nil {
		return err
	}
	close(t.g.claimed)
	<-t.g.revoked
	return nil
}

func TestRefreshClaimWinnerSucceedsDespiteReplay(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	gated := &gatedStore{
		MemoryStore: env.store,
		claimed:     make(chan struct{}),
		revoked:     make(chan struct{}),
	}
	m, err := NewManager(gated, env.idp,
		ratelimit.New(ratelimit.NewMemoryCounter(env.clock.Now), ratelimit.WithClock(env.clock.Now)),
		WithSecrets([]byte("access-secret"), []byte("refresh-secret")),
		WithClock(env.clock.Now),
	)
	require.NoError(t, err)

	type result struct {
		pair TokenPair
		err  error
	}
	first := make(chan result, 1)
	go func() {
		got, err := m.Refresh(ctx, RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1", SourceAddress: "10.0.2.1"})
		first <- result{got, err}
	}()

	select {
	case <-gated.claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("first refresh never claimed the token")
	}
	_, err = m.Refresh(ctx, RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1", SourceAddress: "10.0.2.2"})
	require.ErrorIs(t, err, ErrReplayDetected)

	var won result
	select {
	case won = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first refresh did not finish")
	}
	require.NoError(t, won.err)
	require.NotEmpty(t, won.pair.RefreshToken)

	_, err = m.Refresh(ctx, RefreshRequest{Token: won.pair.RefreshToken, DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrFamilyRevoked)
	_, err = m.Verify(ctx, won.pair.AccessToken)
	assert.Error(t, err)

	chain, err := env.store.RefreshTokens(ctx).Family(ctx, pair.TokenFamily)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	for _, tok := range chain {
		assert.True(t, tok.Revoked, tok.TokenID)
	}
}

func TestRefreshDeviceBinding(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	_, err := env.m.Refresh(ctx, RefreshRequest{Token: pair.RefreshToken, DeviceID: "d2"})
	require.ErrorIs(t, err, ErrDeviceMismatch)

	// the mismatch did not consume the token
	_, err = env.m.Refresh(ctx, RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1"})
	require.NoError(t, err)
}

func TestRefreshExpired(t *testing.T) {
	env := newTestEnv(t, WithRefreshTTL(time.Hour))
	pair := env.login(t, "d1")

	env.clock.Advance(time.Hour + time.Second)
	_, err := env.m.Refresh(context.Background(), RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	_, err := env.m.Refresh(context.Background(), RefreshRequest{Token: pair.AccessToken, DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrInvalidTokenType)
}

func TestRefreshRateLimited(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	token := pair.RefreshToken
	for i := 0; i < 5; i++ {
		next, err := env.m.Refresh(ctx, RefreshRequest{Token: token, DeviceID: "d1", SourceAddress: "10.0.0.9"})
		require.NoError(t, err, "refresh %d", i+1)
		token = next.RefreshToken
	}
	_, err := env.m.Refresh(ctx, RefreshRequest{Token: token, DeviceID: "d1", SourceAddress: "10.0.0.9"})
	require.ErrorIs(t, err, ErrRateLimited)
	retry, ok := RetryAfter(err)
	require.True(t, ok)
	assert.LessOrEqual(t, retry, 300*time.Second)
	assert.Greater(t, retry, time.Duration(0))

	// the limited call did not consume the token
	env.clock.Advance(5 * time.Minute)
	_, err = env.m.Refresh(ctx, RefreshRequest{Token: token, DeviceID: "d1", SourceAddress: "10.0.0.9"})
	require.NoError(t, err)
}

type failingIdentities struct{ *MemoryIdentities }

func (failingIdentities) Lookup(context.Context, string) (Identity, error) {
	return Identity{}, errors.New("directory timeout")
}

func TestIdentityFailureKeepsTokenUsable(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")

	limiter := ratelimit.New(ratelimit.NewMemoryCounter(env.clock.Now), ratelimit.WithClock(env.clock.Now))
	broken, err := NewManager(env.store, failingIdentities{env.idp}, limiter,
		WithSecrets([]byte("access-secret"), []byte("refresh-secret")), WithClock(env.clock.Now))
	require.NoError(t, err)

	_, err = broken.Refresh(context.Background(), RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1"})
	require.ErrorIs(t, err, ErrIdentityLookupFailed)

	_, err = env.m.Refresh(context.Background(), RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1"})
	require.NoError(t, err)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	require.NoError(t, env.m.Logout(ctx, pair.AccessToken))
	_, err := env.m.Verify(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = env.m.Refresh(ctx, RefreshRequest{Token: pair.RefreshToken, DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrFamilyRevoked)
	assert.Equal(t, 1, env.auditor.count("auth.family.revoked"))
}

func TestRevokeFamilyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()

	res, err := env.m.RevokeFamily(ctx, pair.TokenFamily, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tokens)
	assert.Equal(t, []string{pair.SessionID}, res.Sessions)

	res, err = env.m.RevokeFamily(ctx, pair.TokenFamily, "")
	require.NoError(t, err)
	assert.Zero(t, res.Tokens)
	assert.Empty(t, res.Sessions)
}

func TestPurgeRevocations(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t, "d1")
	ctx := context.Background()
	_, err := env.m.RevokeFamily(ctx, pair.TokenFamily, ReasonAdmin)
	require.NoError(t, err)

	n, err := env.m.PurgeRevocations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(16 * time.Minute)
	n, err = env.m.PurgeRevocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewManagerRequiresKeys(t *testing.T) {
	_, err := NewManager(NewMemoryStore(), NewMemoryIdentities(), ratelimit.New(ratelimit.NewMemoryCounter(nil)))
	assert.Error(t, err)
}

func TestHasRoles(t *testing.T) {
	assert.True(t, HasRoles([]string{"Player", "officer"}, []string{"officer"}))
	assert.True(t, HasRoles([]string{"player"}, nil))
	assert.False(t, HasRoles([]string{"player"}, []string{"admin"}))
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") || HasRole(ctx, "") {
		t.Fatalf("unexpected role found")
	}
}
