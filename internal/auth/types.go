package auth

import (
	"slices"
	"strings"
	"time"

	"arbiter.gg/internal/opt"
)

// UserType distinguishes player and administrator credentials.
type UserType string

const (
	UserTypePlayer UserType = "player"
	UserTypeAdmin  UserType = "admin"
)

// ParseUserType validates a wire value.
func ParseUserType(v string) (UserType, bool) {
	switch UserType(strings.ToLower(strings.TrimSpace(v))) {
	case UserTypePlayer:
		return UserTypePlayer, true
	case UserTypeAdmin:
		return UserTypeAdmin, true
	}
	return "", false
}

// RoleAdmin gates the administrative endpoints.
const RoleAdmin = "admin"

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Identity is the snapshot the identity provider returns for a user.
type Identity struct {
	UserID     string
	Username   string
	UserType   UserType
	Roles      []string
	AllianceID opt.Value[string]
	Level      opt.Value[int]
	Active     bool
}

// RefreshToken is the persisted half of a refresh credential.
type RefreshToken struct {
	TokenID         string
	UserID          string
	TokenFamily     string
	DeviceID        string
	SessionID       string
	AccessTokenID   string
	AccessExpiresAt time.Time
	PreviousTokenID opt.Value[string]
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Used            bool
	UsedAt          opt.Value[time.Time]
	ReplacedBy      opt.Value[string]
	Revoked         bool
	RevokedReason   opt.Value[string]
}

// Session mirrors the sessionId carried by access tokens.
type Session struct {
	SessionID         string
	UserID            string
	DeviceID          string
	TokenFamily       string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Invalidated       bool
	InvalidatedReason opt.Value[string]
}

// Live reports whether the session still backs access tokens at now.
func (s Session) Live(now time.Time) bool {
	return !s.Invalidated && now.Before(s.ExpiresAt)
}

// AccessRevocation marks one access token id as revoked until it would
// have expired anyway.
type AccessRevocation struct {
	TokenID   string
	ExpiresAt time.Time
	Reason    string
}

// FamilyRevocation summarises a family revocation.
type FamilyRevocation struct {
	Family        string
	Tokens        int
	Sessions      []string
	AccessRevoked []string
}

// TokenPair is what a successful issuance or rotation returns.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
	TokenFamily      string
	UserID           string
	UserType         UserType
	Roles            []string
	AllianceID       opt.Value[string]
}

// ExpiresIn is the access token lifetime in whole seconds from now.
func (p TokenPair) ExpiresIn(now time.Time) int64 {
	secs := int64(p.AccessExpiresAt.Sub(now) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// HasRoles reports whether roles covers every entry of required.
func HasRoles(roles, required []string) bool {
	have := normalizeRoles(roles)
	for _, r := range normalizeRoles(required) {
		if !slices.Contains(have, r) {
			return false
		}
	}
	return true
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
