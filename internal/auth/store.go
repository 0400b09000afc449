package auth

import (
	"context"
	"time"

	"arbiter.gg/internal/ratelimit"
)

// Store provides access to the persistence backing the token lifecycle.
type Store interface {
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Sessions(ctx context.Context) SessionStore
	Revocations(ctx context.Context) RevocationStore

	// RevokeFamily atomically revokes every token of family, invalidates
	// its sessions and records revocation markers for the sibling access
	// tokens. Revoking an already revoked family is not an error.
	RevokeFamily(ctx context.Context, family, reason string, at time.Time) (FamilyRevocation, error)
	Ping(ctx context.Context) error
}

// RefreshTokenStore persists refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, token *RefreshToken) error
	Find(ctx context.Context, tokenID string) (*RefreshToken, error)
	// Claim flips used from false to true. It returns ErrAlreadyClaimed
	// when another caller won, ErrNotFound when the token does not exist.
	Claim(ctx context.Context, tokenID string, usedAt time.Time) error
	SetReplacedBy(ctx context.Context, tokenID, replacedBy string) error
	// Family lists the tokens of a family ordered by creation time.
	Family(ctx context.Context, family string) ([]RefreshToken, error)
}

// SessionStore persists sessions.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Find(ctx context.Context, sessionID string) (*Session, error)
	Extend(ctx context.Context, sessionID string, expiresAt time.Time) error
	// InvalidateUser invalidates every live session of userID and returns
	// the ids it changed.
	InvalidateUser(ctx context.Context, userID, reason string) ([]string, error)
}

// RevocationStore records access tokens revoked before expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, revocations ...AccessRevocation) error
	IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error)
	// Purge drops markers whose tokens have expired anyway.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// IdentityProvider authenticates users and returns identity snapshots.
type IdentityProvider interface {
	// Authenticate returns ErrInvalidCredentials on any credential failure.
	Authenticate(ctx context.Context, username, password string) (Identity, error)
	// Lookup returns ErrNotFound for unknown users.
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// RateLimiter is the windowed limiter used on refresh and login.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, identifier string, window time.Duration, limit int) ratelimit.Result
}

// Auditor receives security events.
type Auditor interface {
	Security(ctx context.Context, event string, fields map[string]any)
}
