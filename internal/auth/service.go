package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbiter.gg/internal/cache"
	"arbiter.gg/internal/failmode"
	"arbiter.gg/internal/ids"
	"arbiter.gg/internal/obs"
	"arbiter.gg/internal/opt"
)

const (
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 30 * 24 * time.Hour
	defaultRefreshLimit  = 5
	defaultRefreshWindow = 5 * time.Minute
	defaultIssuer        = "arbiter"
	defaultAudience      = "game-clients"

	revokedCacheTTL = 5 * time.Minute
)

// Revocation reasons recorded on families and sessions.
const (
	ReasonReplay = "replay detected"
	ReasonLogout = "logout"
	ReasonAdmin  = "admin revoke"
)

// Manager issues, verifies and rotates credentials.
type Manager struct {
	store      Store
	identities IdentityProvider
	limiter    RateLimiter
	revoked    cache.Cache
	auditor    Auditor
	logger     *zap.Logger
	now        func() time.Time

	accessKey  signingKey
	refreshKey signingKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration

	refreshLimit  int
	refreshWindow time.Duration
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager) error

// WithSecrets configures HS256 keys for access and refresh tokens.
func WithSecrets(accessSecret, refreshSecret []byte) ManagerOption {
	return func(m *Manager) error {
		if len(accessSecret) == 0 || len(refreshSecret) == 0 {
			return errors.New("auth: access and refresh secrets are required")
		}
		m.accessKey = hmacKey(accessSecret)
		m.refreshKey = hmacKey(refreshSecret)
		return nil
	}
}

// WithRS256Keys signs access tokens with RSA so that other services can
// verify them with the public key only.
func WithRS256Keys(privatePEM, publicPEM, kid string) ManagerOption {
	return func(m *Manager) error {
		if strings.TrimSpace(privatePEM) == "" || strings.TrimSpace(publicPEM) == "" {
			return errors.New("auth: both private and public keys are required")
		}
		key, err := rsaKey(privatePEM, publicPEM)
		if err != nil {
			return err
		}
		key.kid = strings.TrimSpace(kid)
		m.accessKey = key
		return nil
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) ManagerOption {
	return func(m *Manager) error {
		if v := strings.TrimSpace(issuer); v != "" {
			m.issuer = v
		}
		return nil
	}
}

// WithAudience overrides the aud claim.
func WithAudience(audience string) ManagerOption {
	return func(m *Manager) error {
		if v := strings.TrimSpace(audience); v != "" {
			m.audience = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) error {
		if ttl > 0 {
			m.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) error {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
		return nil
	}
}

// WithRefreshLimit sets how many refreshes a (user, address) pair may make
// per window.
func WithRefreshLimit(limit int, window time.Duration) ManagerOption {
	return func(m *Manager) error {
		if limit <= 0 || window <= 0 {
			return fmt.Errorf("%w: refresh limit and window must be positive", ErrInvalidInput)
		}
		m.refreshLimit = limit
		m.refreshWindow = window
		return nil
	}
}

// WithRevocationCache memoises positive revocation lookups. Only the
// process-local tier should be passed here.
func WithRevocationCache(c cache.Cache) ManagerOption {
	return func(m *Manager) error {
		m.revoked = c
		return nil
	}
}

// WithAuditor sets the receiver of security events.
func WithAuditor(a Auditor) ManagerOption {
	return func(m *Manager) error {
		m.auditor = a
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewManager constructs a Manager. WithSecrets is mandatory.
func NewManager(store Store, identities IdentityProvider, limiter RateLimiter, opts ...ManagerOption) (*Manager, error) {
	if store == nil || identities == nil || limiter == nil {
		return nil, fmt.Errorf("%w: store, identities and limiter are required", ErrInvalidInput)
	}
	m := &Manager{
		store:         store,
		identities:    identities,
		limiter:       limiter,
		logger:        zap.NewNop(),
		now:           time.Now,
		issuer:        defaultIssuer,
		audience:      defaultAudience,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		refreshLimit:  defaultRefreshLimit,
		refreshWindow: defaultRefreshWindow,
	}
	for _, o := range opts {
		if err := o(m); err != nil {
			return nil, err
		}
	}
	if !m.accessKey.configured() || !m.refreshKey.configured() {
		return nil, errors.New("auth: signing keys are not configured")
	}
	return m, nil
}

// AccessTTL reports the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

// Now exposes the manager clock to transport code.
func (m *Manager) Now() time.Time { return m.now() }

// Login authenticates credentials and issues a fresh token family.
func (m *Manager) Login(ctx context.Context, username, password, deviceID string, userType UserType) (TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenPair{}, ErrInvalidCredentials
	}
	identity, err := m.identities.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, fmt.Errorf("%w: %w", ErrIdentityLookupFailed, err)
	}
	if identity.UserType != userType {
		return TokenPair{}, ErrInvalidCredentials
	}
	return m.issueFor(ctx, identity, deviceID)
}

// Issue starts a new token family for userID bound to deviceID.
func (m *Manager) Issue(ctx context.Context, userID, deviceID string, userType UserType) (TokenPair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return TokenPair{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	identity, err := m.lookupIdentity(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	if identity.UserType != userType {
		return TokenPair{}, fmt.Errorf("%w: user type mismatch", ErrInvalidInput)
	}
	return m.issueFor(ctx, identity, deviceID)
}

func (m *Manager) issueFor(ctx context.Context, identity Identity, deviceID string) (TokenPair, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return TokenPair{}, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	session := &Session{
		SessionID:   ids.Prefixed(ids.PrefixSession, now),
		UserID:      identity.UserID,
		DeviceID:    deviceID,
		TokenFamily: ids.Prefixed(ids.PrefixFamily, now),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.refreshTTL),
	}
	if err := m.store.Sessions(ctx).Create(ctx, session); err != nil {
		return TokenPair{}, storeErr("create session", err)
	}
	pair, _, err := m.mint(ctx, identity, session, opt.None[string](), now)
	if err != nil {
		return TokenPair{}, err
	}
	obs.TokenEvent("issued")
	m.logger.Info("token family issued",
		zap.String("event", "token_issued"),
		zap.String("user_id", identity.UserID),
		zap.String("family", session.TokenFamily),
		zap.String("session_id", session.SessionID),
	)
	return pair, nil
}

// mint signs a new access/refresh pair for session and persists the
// refresh record.
func (m *Manager) mint(ctx context.Context, identity Identity, session *Session, previous opt.Value[string], now time.Time) (TokenPair, *RefreshToken, error) {
	accessExp := now.Add(m.accessTTL)
	refreshExp := now.Add(m.refreshTTL)
	accessID := uuid.NewString()
	roles := normalizeRoles(identity.Roles)

	access := AccessClaims{
		SessionID:  session.SessionID,
		DeviceID:   session.DeviceID,
		UserType:   identity.UserType,
		Roles:      roles,
		AllianceID: identity.AllianceID,
		Level:      identity.Level,
		TokenType:  tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   identity.UserID,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        accessID,
		},
	}
	accessToken, err := m.accessKey.signClaims(access)
	if err != nil {
		return TokenPair{}, nil, err
	}

	rec := &RefreshToken{
		TokenID:         ids.Prefixed(ids.PrefixRefresh, now),
		UserID:          identity.UserID,
		TokenFamily:     session.TokenFamily,
		DeviceID:        session.DeviceID,
		SessionID:       session.SessionID,
		AccessTokenID:   accessID,
		AccessExpiresAt: accessExp,
		PreviousTokenID: previous,
		CreatedAt:       now,
		ExpiresAt:       refreshExp,
	}
	refresh := RefreshClaims{
		Family:    rec.TokenFamily,
		DeviceID:  rec.DeviceID,
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   identity.UserID,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        rec.TokenID,
		},
	}
	refreshToken, err := m.refreshKey.signClaims(refresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := m.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		if errors.Is(err, ErrFamilyRevoked) {
			return TokenPair{}, nil, err
		}
		return TokenPair{}, nil, storeErr("create refresh token", err)
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        session.SessionID,
		TokenFamily:      session.TokenFamily,
		UserID:           identity.UserID,
		UserType:         identity.UserType,
		Roles:            roles,
		AllianceID:       identity.AllianceID,
	}, rec, nil
}

func (m *Manager) lookupIdentity(ctx context.Context, userID string) (Identity, error) {
	identity, err := m.identities.Lookup(ctx, userID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrIdentityLookupFailed, err)
	}
	if !identity.Active {
		return Identity{}, fmt.Errorf("%w: user %s is inactive", ErrIdentityLookupFailed, userID)
	}
	return identity, nil
}

// Verify validates an access token: signature, expiry, issuer and
// audience, then the revocation marker and the session behind it. Store
// failures deny; see failmode.TokenVerify.
func (m *Manager) Verify(ctx context.Context, token string) (*AccessClaims, error) {
	typ, err := peekType(token)
	if err != nil {
		return nil, err
	}
	if typ != tokenTypeAccess {
		return nil, ErrInvalidTokenType
	}
	claims := &AccessClaims{}
	if err := m.parseVerified(token, m.accessKey, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.ID == "" || claims.SessionID == "" {
		return nil, ErrMalformed
	}

	now := m.now()
	revoked, err := m.isRevoked(ctx, claims.ID, now)
	if err != nil {
		return nil, m.verifyStoreFailure("revocation lookup", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	session, err := m.store.Sessions(ctx).Find(ctx, claims.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrSessionInvalid
	case err != nil:
		return nil, m.verifyStoreFailure("session lookup", err)
	}
	if !session.Live(now) || session.UserID != claims.Subject {
		return nil, ErrSessionInvalid
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

func (m *Manager) verifyStoreFailure(op string, err error) error {
	m.logger.Error("token verification store failure",
		zap.String("event", "verify_store_error"),
		zap.String("op", op),
		zap.String("mode", failmode.For(failmode.TokenVerify).String()),
		zap.Error(err),
	)
	return storeErr(op, err)
}

func revokedKey(jti string) string { return "auth:revoked:" + jti }

func (m *Manager) isRevoked(ctx context.Context, jti string, now time.Time) (bool, error) {
	if m.revoked != nil {
		if _, ok, _ := m.revoked.Get(ctx, revokedKey(jti)); ok {
			return true, nil
		}
	}
	revoked, err := m.store.Revocations(ctx).IsRevoked(ctx, jti, now)
	if err != nil {
		return false, err
	}
	if revoked {
		m.rememberRevoked(ctx, jti)
	}
	return revoked, nil
}

func (m *Manager) rememberRevoked(ctx context.Context, jtis ...string) {
	if m.revoked == nil {
		return
	}
	for _, jti := range jtis {
		_ = m.revoked.Set(ctx, revokedKey(jti), []byte{1}, revokedCacheTTL)
	}
}

// RefreshRequest is the input of a rotation.
type RefreshRequest struct {
	Token         string
	DeviceID      string
	SourceAddress string
}

// Refresh rotates a refresh token. Presenting a token that was already
// used revokes its whole family and returns ErrReplayDetected.
func (m *Manager) Refresh(ctx context.Context, req RefreshRequest) (TokenPair, error) {
	// 1. signature and type
	typ, err := peekType(req.Token)
	if err != nil {
		return TokenPair{}, err
	}
	if typ != tokenTypeRefresh {
		return TokenPair{}, ErrInvalidTokenType
	}
	claims := &RefreshClaims{}
	if err := m.parseVerified(req.Token, m.refreshKey, claims); err != nil {
		return TokenPair{}, err
	}
	if claims.ID == "" {
		return TokenPair{}, ErrMalformed
	}

	// 2. stored record
	tokens := m.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, claims.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, ErrNotFound
	case err != nil:
		return TokenPair{}, storeErr("find refresh token", err)
	}

	// 3. reuse means the token leaked
	if rec.Used {
		return TokenPair{}, m.replay(ctx, rec, req)
	}
	if rec.Revoked {
		return TokenPair{}, ErrFamilyRevoked
	}
	session, err := m.store.Sessions(ctx).Find(ctx, rec.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, ErrFamilyRevoked
	case err != nil:
		return TokenPair{}, storeErr("find session", err)
	case session.Invalidated:
		return TokenPair{}, ErrFamilyRevoked
	}

	// 4. device binding
	if strings.TrimSpace(req.DeviceID) != rec.DeviceID {
		m.logger.Warn("refresh device mismatch",
			zap.String("event", "refresh_device_mismatch"),
			zap.String("user_id", rec.UserID),
			zap.String("family", rec.TokenFamily),
		)
		return TokenPair{}, ErrDeviceMismatch
	}

	// 5. expiry
	now := m.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		return TokenPair{}, ErrExpired
	}

	// 6. rate limit; the counter is incremented here for every attempt
	res := m.limiter.CheckAndIncrement(ctx, "refresh:"+rec.UserID+":"+req.SourceAddress, m.refreshWindow, m.refreshLimit)
	if !res.Allowed {
		obs.TokenEvent("rate_limited")
		return TokenPair{}, &RateLimitError{RetryAfter: res.RetryAfter}
	}

	// fresh identity before claiming so a lookup failure leaves the token usable
	identity, err := m.lookupIdentity(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, err
	}

	// 7. single-use claim
	if err := tokens.Claim(ctx, rec.TokenID, now); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return TokenPair{}, m.replay(ctx, rec, req)
		}
		return TokenPair{}, storeErr("claim refresh token", err)
	}

	// 8. successor in the same family and session
	pair, next, err := m.mint(ctx, identity, session, opt.Some(rec.TokenID), now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := tokens.SetReplacedBy(ctx, rec.TokenID, next.TokenID); err != nil {
		return TokenPair{}, storeErr("link refresh token", err)
	}
	if next.Revoked {
		// a concurrent replay revoked the family after our claim; the pair is
		// returned but its session is already invalidated
		m.logger.Warn("refresh successor minted into revoked family",
			zap.String("family", rec.TokenFamily),
			zap.String("next", next.TokenID),
			zap.String("reason", next.RevokedReason.Or("")),
		)
	} else if err := m.store.Sessions(ctx).Extend(ctx, rec.SessionID, next.ExpiresAt); err != nil {
		m.logger.Warn("session extend failed", zap.String("session_id", rec.SessionID), zap.Error(err))
	}

	obs.TokenEvent("refreshed")
	m.logger.Info("refresh token rotated",
		zap.String("event", "token_refreshed"),
		zap.String("user_id", rec.UserID),
		zap.String("family", rec.TokenFamily),
		zap.String("previous", rec.TokenID),
		zap.String("next", next.TokenID),
	)
	return pair, nil
}

// replay revokes the family of rec and returns ErrReplayDetected, joined
// with the store error if the revocation itself failed.
func (m *Manager) replay(ctx context.Context, rec *RefreshToken, req RefreshRequest) error {
	obs.TokenEvent("replay_detected")
	res, err := m.store.RevokeFamily(ctx, rec.TokenFamily, ReasonReplay, m.now().UTC())
	fields := map[string]any{
		"user_id":        rec.UserID,
		"family":         rec.TokenFamily,
		"token_id":       rec.TokenID,
		"device_id":      req.DeviceID,
		"source_address": req.SourceAddress,
	}
	if err != nil {
		fields["revoke_error"] = err.Error()
		m.logger.Error("family revocation failed after replay",
			zap.String("family", rec.TokenFamily), zap.Error(err))
	} else {
		fields["revoked_tokens"] = res.Tokens
		m.rememberRevoked(ctx, res.AccessRevoked...)
	}

	// replay ends every session of the user, not only this family's
	sessions := res.Sessions
	others, serr := m.store.Sessions(ctx).InvalidateUser(ctx, rec.UserID, ReasonReplay)
	if serr != nil {
		fields["invalidate_error"] = serr.Error()
		m.logger.Error("user session invalidation failed after replay",
			zap.String("user_id", rec.UserID), zap.Error(serr))
	}
	sessions = append(sessions, others...)
	slices.Sort(sessions)
	fields["invalidated_sessions"] = slices.Compact(sessions)

	if m.auditor != nil {
		m.auditor.Security(ctx, "auth.refresh.replay_detected", fields)
	}
	if err != nil {
		return errors.Join(ErrReplayDetected, storeErr("revoke family", err))
	}
	if serr != nil {
		return errors.Join(ErrReplayDetected, storeErr("invalidate sessions", serr))
	}
	return ErrReplayDetected
}

// RevokeFamily revokes every token of family. It is idempotent.
func (m *Manager) RevokeFamily(ctx context.Context, family, reason string) (FamilyRevocation, error) {
	family = strings.TrimSpace(family)
	if family == "" {
		return FamilyRevocation{}, fmt.Errorf("%w: family is required", ErrInvalidInput)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = ReasonAdmin
	}
	res, err := m.store.RevokeFamily(ctx, family, reason, m.now().UTC())
	if err != nil {
		return FamilyRevocation{}, storeErr("revoke family", err)
	}
	m.rememberRevoked(ctx, res.AccessRevoked...)
	obs.TokenEvent("family_revoked")
	if m.auditor != nil {
		m.auditor.Security(ctx, "auth.family.revoked", map[string]any{
			"family":   family,
			"reason":   reason,
			"tokens":   res.Tokens,
			"sessions": res.Sessions,
		})
	}
	return res, nil
}

// Logout ends the session behind accessToken and revokes its family.
func (m *Manager) Logout(ctx context.Context, accessToken string) error {
	claims, err := m.Verify(ctx, accessToken)
	if err != nil {
		return err
	}
	session, err := m.store.Sessions(ctx).Find(ctx, claims.SessionID)
	if err != nil {
		return storeErr("find session", err)
	}
	if _, err := m.RevokeFamily(ctx, session.TokenFamily, ReasonLogout); err != nil {
		return err
	}
	// covers tokens minted before the family record existed
	exp := m.now().Add(m.accessTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := m.store.Revocations(ctx).Revoke(ctx, AccessRevocation{
		TokenID:   claims.ID,
		ExpiresAt: exp,
		Reason:    ReasonLogout,
	}); err != nil {
		return storeErr("revoke access token", err)
	}
	m.rememberRevoked(ctx, claims.ID)
	obs.TokenEvent("logout")
	return nil
}

// FamilyChain returns the tokens of family from oldest to newest and the
// live tip, if the family still has one.
func (m *Manager) FamilyChain(ctx context.Context, family string) ([]RefreshToken, opt.Value[RefreshToken], error) {
	chain, err := m.store.RefreshTokens(ctx).Family(ctx, family)
	if err != nil {
		return nil, opt.None[RefreshToken](), storeErr("list family", err)
	}
	if len(chain) == 0 {
		return nil, opt.None[RefreshToken](), ErrNotFound
	}
	now := m.now()
	for i := len(chain) - 1; i >= 0; i-- {
		t := chain[i]
		if !t.Used && !t.Revoked && now.Before(t.ExpiresAt) {
			return chain, opt.Some(t), nil
		}
	}
	return chain, opt.None[RefreshToken](), nil
}

// PurgeRevocations drops expired access token revocation markers.
func (m *Manager) PurgeRevocations(ctx context.Context) (int, error) {
	n, err := m.store.Revocations(ctx).Purge(ctx, m.now())
	if err != nil {
		return 0, storeErr("purge revocations", err)
	}
	return n, nil
}

// Ping checks the token store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
