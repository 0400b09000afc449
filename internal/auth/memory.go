package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"arbiter.gg/internal/opt"
)

// MemoryStore keeps the token lifecycle state in process. A single mutex
// gives Claim and RevokeFamily the same atomicity as the SQL store.
type MemoryStore struct {
	mu          sync.Mutex
	tokens      map[string]RefreshToken
	sessions    map[string]Session
	revocations map[string]AccessRevocation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:      make(map[string]RefreshToken),
		sessions:    make(map[string]Session),
		revocations: make(map[string]AccessRevocation),
	}
}

func (m *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return memoryTokens{m} }
func (m *MemoryStore) Sessions(context.Context) SessionStore           { return memorySessions{m} }
func (m *MemoryStore) Revocations(context.Context) RevocationStore     { return memoryRevocations{m} }
func (m *MemoryStore) Ping(context.Context) error                      { return nil }

func (m *MemoryStore) RevokeFamily(_ context.Context, family, reason string, at time.Time) (FamilyRevocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := FamilyRevocation{Family: family}
	for id, tok := range m.tokens {
		if tok.TokenFamily != family {
			continue
		}
		if !tok.Revoked {
			tok.Revoked = true
			tok.RevokedReason = opt.Some(reason)
			m.tokens[id] = tok
			res.Tokens++
		}
		if tok.AccessTokenID != "" && at.Before(tok.AccessExpiresAt) {
			if _, done := m.revocations[tok.AccessTokenID]; !done {
				m.revocations[tok.AccessTokenID] = AccessRevocation{
					TokenID:   tok.AccessTokenID,
					ExpiresAt: tok.AccessExpiresAt,
					Reason:    reason,
				}
				res.AccessRevoked = append(res.AccessRevoked, tok.AccessTokenID)
			}
		}
	}
	for id, sess := range m.sessions {
		if sess.TokenFamily != family || sess.Invalidated {
			continue
		}
		sess.Invalidated = true
		sess.InvalidatedReason = opt.Some(reason)
		m.sessions[id] = sess
		res.Sessions = append(res.Sessions, id)
	}
	slices.Sort(res.AccessRevoked)
	slices.Sort(res.Sessions)
	return res, nil
}

type memoryTokens struct{ m *MemoryStore }

func (s memoryTokens) Create(_ context.Context, token *RefreshToken) error {
	if token == nil || strings.TrimSpace(token.TokenID) == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.tokens[token.TokenID]; ok {
		return ErrAlreadyExists
	}
	for _, t := range s.m.tokens {
		if t.TokenFamily == token.TokenFamily && t.Revoked && !token.Revoked {
			token.Revoked = true
			token.RevokedReason = t.RevokedReason
		}
	}
	s.m.tokens[token.TokenID] = *token
	return nil
}

func (s memoryTokens) Find(_ context.Context, tokenID string) (*RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.tokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (s memoryTokens) Claim(_ context.Context, tokenID string, usedAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	if tok.Used {
		return ErrAlreadyClaimed
	}
	tok.Used = true
	tok.UsedAt = opt.Some(usedAt)
	s.m.tokens[tokenID] = tok
	return nil
}

func (s memoryTokens) SetReplacedBy(_ context.Context, tokenID, replacedBy string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	tok.ReplacedBy = opt.Some(replacedBy)
	s.m.tokens[tokenID] = tok
	return nil
}

func (s memoryTokens) Family(_ context.Context, family string) ([]RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []RefreshToken
	for _, tok := range s.m.tokens {
		if tok.TokenFamily == family {
			out = append(out, tok)
		}
	}
	slices.SortFunc(out, func(a, b RefreshToken) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.TokenID, b.TokenID)
	})
	return out, nil
}

type memorySessions struct{ m *MemoryStore }

func (s memorySessions) Create(_ context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.SessionID) == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.sessions[session.SessionID]; ok {
		return ErrAlreadyExists
	}
	s.m.sessions[session.SessionID] = *session
	return nil
}

func (s memorySessions) Find(_ context.Context, sessionID string) (*Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s memorySessions) Extend(_ context.Context, sessionID string, expiresAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if expiresAt.After(sess.ExpiresAt) {
		sess.ExpiresAt = expiresAt
		s.m.sessions[sessionID] = sess
	}
	return nil
}

func (s memorySessions) InvalidateUser(_ context.Context, userID, reason string) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var ids []string
	for id, sess := range s.m.sessions {
		if sess.UserID != userID || sess.Invalidated {
			continue
		}
		sess.Invalidated = true
		sess.InvalidatedReason = opt.Some(reason)
		s.m.sessions[id] = sess
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

type memoryRevocations struct{ m *MemoryStore }

func (s memoryRevocations) Revoke(_ context.Context, revocations ...AccessRevocation) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range revocations {
		if strings.TrimSpace(r.TokenID) == "" {
			return ErrInvalidInput
		}
		s.m.revocations[r.TokenID] = r
	}
	return nil
}

func (s memoryRevocations) IsRevoked(_ context.Context, tokenID string, now time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.revocations[tokenID]
	return ok && now.Before(r.ExpiresAt), nil
}

func (s memoryRevocations) Purge(_ context.Context, now time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for id, r := range s.m.revocations {
		if !now.Before(r.ExpiresAt) {
			delete(s.m.revocations, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryIdentities is an in-process IdentityProvider keyed by username.
type MemoryIdentities struct {
	mu         sync.RWMutex
	byID       map[string]Identity
	byUsername map[string]string
	hashes     map[string]string
}

// NewMemoryIdentities returns an empty provider.
func NewMemoryIdentities() *MemoryIdentities {
	return &MemoryIdentities{
		byID:       make(map[string]Identity),
		byUsername: make(map[string]string),
		hashes:     make(map[string]string),
	}
}

// Add registers identity with a bcrypt hash of password.
func (p *MemoryIdentities) Add(identity Identity, password string) error {
	if strings.TrimSpace(identity.UserID) == "" || strings.TrimSpace(identity.Username) == "" {
		return ErrInvalidInput
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	identity.Roles = normalizeRoles(identity.Roles)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[identity.UserID] = identity
	p.byUsername[strings.ToLower(identity.Username)] = identity.UserID
	p.hashes[identity.UserID] = hash
	return nil
}

// Update replaces the stored identity snapshot, keeping the password.
func (p *MemoryIdentities) Update(identity Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[identity.UserID]; !ok {
		return ErrNotFound
	}
	identity.Roles = normalizeRoles(identity.Roles)
	p.byID[identity.UserID] = identity
	return nil
}

func (p *MemoryIdentities) Authenticate(_ context.Context, username, password string) (Identity, error) {
	p.mu.RLock()
	id, ok := p.byUsername[strings.ToLower(strings.TrimSpace(username))]
	identity := p.byID[id]
	hash := p.hashes[id]
	p.mu.RUnlock()
	if !ok {
		BurnPasswordCheck(password)
		return Identity{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(hash, password); err != nil || !identity.Active {
		return Identity{}, ErrInvalidCredentials
	}
	return identity, nil
}

func (p *MemoryIdentities) Lookup(_ context.Context, userID string) (Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	identity, ok := p.byID[userID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return identity, nil
}

var _ IdentityProvider = (*MemoryIdentities)(nil)
