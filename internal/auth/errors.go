package auth

import (
	"errors"
	"fmt"
	"time"
)

// Token verification and rotation failures. Callers match with errors.Is.
var (
	ErrMalformed            = errors.New("auth: malformed token")
	ErrSignatureInvalid     = errors.New("auth: signature invalid")
	ErrExpired              = errors.New("auth: token expired")
	ErrRevoked              = errors.New("auth: token revoked")
	ErrSessionInvalid       = errors.New("auth: session invalid")
	ErrDeviceMismatch       = errors.New("auth: device mismatch")
	ErrReplayDetected       = errors.New("auth: refresh token replay detected")
	ErrFamilyRevoked        = errors.New("auth: token family revoked")
	ErrRateLimited          = errors.New("auth: rate limited")
	ErrNotFound             = errors.New("auth: not found")
	ErrInvalidTokenType     = errors.New("auth: invalid token type")
	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrIdentityLookupFailed = errors.New("auth: identity lookup failed")
	ErrInvalidInput         = errors.New("auth: invalid input")
)

// Store-level failures. These are infrastructure problems, not denials,
// and are reported separately.
var (
	ErrStoreUnavailable = errors.New("auth: token store unavailable")
	ErrAlreadyClaimed   = errors.New("auth: refresh token already claimed")
	ErrAlreadyExists    = errors.New("auth: already exists")
)

// RateLimitError carries the wait before the caller may retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTerminal reports failures after which the token family can never be
// used again.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrReplayDetected) || errors.Is(err, ErrFamilyRevoked)
}

// IsStoreFailure reports infrastructure errors as opposed to denials.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
