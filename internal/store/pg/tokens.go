package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"arbiter.gg/internal/auth"
)

// TokenStore keeps refresh tokens, sessions and access token revocation
// markers.
type TokenStore struct {
	db *sql.DB
}

var _ auth.Store = (*TokenStore)(nil)

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return &refreshStore{db: s.db}
}

func (s *TokenStore) Sessions(context.Context) auth.SessionStore {
	return &sessionStore{db: s.db}
}

func (s *TokenStore) Revocations(context.Context) auth.RevocationStore {
	return &revocationStore{db: s.db}
}

func (s *TokenStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RevokeFamily revokes every token of family, writes revocation markers
// for their unexpired access tokens and invalidates the family's sessions
// in one transaction.
func (s *TokenStore) RevokeFamily(ctx context.Context, family, reason string, at time.Time) (auth.FamilyRevocation, error) {
	res := auth.FamilyRevocation{Family: family}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked = true, revoked_reason = $2, revoked_at = $3
		where token_family = $1 and revoked = false`, family, reason, at)
	if err != nil {
		return res, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return res, err
	}
	res.Tokens = int(n)

	if res.AccessRevoked, err = collectIDs(tx.QueryContext(ctx, `
		insert into revoked_access_tokens (token_id, expires_at, reason, revoked_at)
		select access_token_id, access_expires_at, $2, $3
		from refresh_tokens
		where token_family = $1 and access_expires_at > $3
		on conflict (token_id) do nothing
		returning token_id`, family, reason, at)); err != nil {
		return res, err
	}

	if res.Sessions, err = collectIDs(tx.QueryContext(ctx, `
		update sessions
		set invalidated = true, invalidated_reason = $2
		where token_family = $1 and invalidated = false
		returning session_id`, family, reason)); err != nil {
		return res, err
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

func collectIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Refresh tokens -------------------------------------------------------------
type refreshStore struct{ db *sql.DB }

const refreshColumns = `token_id, user_id, token_family, device_id, session_id, access_token_id,
	access_expires_at, previous_token_id, created_at, expires_at, used, used_at, replaced_by,
	revoked, revoked_reason`

// Create inserts t. A token minted into a family that is already revoked
// is stored revoked with the family's reason; t reflects what was stored.
func (s *refreshStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	var (
		revoked bool
		reason  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		with fam as (
			select revoked_reason from refresh_tokens
			where token_family = $3 and revoked = true
			limit 1
		)
		insert into refresh_tokens (`+refreshColumns+`)
		select $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
			$14 or exists (select 1 from fam),
			coalesce($15, (select revoked_reason from fam))
		returning revoked, revoked_reason`,
		t.TokenID, t.UserID, t.TokenFamily, t.DeviceID, t.SessionID, t.AccessTokenID,
		t.AccessExpiresAt, nullString(t.PreviousTokenID), t.CreatedAt, t.ExpiresAt,
		t.Used, nullTime(t.UsedAt), nullString(t.ReplacedBy), t.Revoked, nullString(t.RevokedReason),
	).Scan(&revoked, &reason)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	t.Revoked = revoked
	t.RevokedReason = optString(reason)
	return nil
}

func (s *refreshStore) Find(ctx context.Context, tokenID string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `select `+refreshColumns+` from refresh_tokens where token_id = $1`, tokenID)
	t, err := scanRefresh(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Claim is the compare-and-set on used; zero affected rows means either
// the token is unknown or another caller already claimed it.
func (s *refreshStore) Claim(ctx context.Context, tokenID string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		update refresh_tokens set used = true, used_at = $2
		where token_id = $1 and used = false`, tokenID, usedAt)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from refresh_tokens where token_id = $1)`, tokenID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	return auth.ErrAlreadyClaimed
}

func (s *refreshStore) SetReplacedBy(ctx context.Context, tokenID, replacedBy string) error {
	result, err := s.db.ExecContext(ctx,
		`update refresh_tokens set replaced_by = $2 where token_id = $1`, tokenID, replacedBy)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *refreshStore) Family(ctx context.Context, family string) ([]auth.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+refreshColumns+` from refresh_tokens
		where token_family = $1
		order by created_at asc, token_id asc`, family)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.RefreshToken
	for rows.Next() {
		t, err := scanRefresh(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefresh(row rowScanner) (auth.RefreshToken, error) {
	var (
		t                          auth.RefreshToken
		previous, replaced, reason sql.NullString
		usedAt                     sql.NullTime
	)
	err := row.Scan(&t.TokenID, &t.UserID, &t.TokenFamily, &t.DeviceID, &t.SessionID, &t.AccessTokenID,
		&t.AccessExpiresAt, &previous, &t.CreatedAt, &t.ExpiresAt, &t.Used, &usedAt, &replaced,
		&t.Revoked, &reason)
	if err != nil {
		return auth.RefreshToken{}, err
	}
	t.PreviousTokenID = optString(previous)
	t.UsedAt = optTime(usedAt)
	t.ReplacedBy = optString(replaced)
	t.RevokedReason = optString(reason)
	return t, nil
}

// Sessions -------------------------------------------------------------------
type sessionStore struct{ db *sql.DB }

func (s *sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (session_id, user_id, device_id, token_family, created_at, expires_at, invalidated, invalidated_reason)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.SessionID, sess.UserID, sess.DeviceID, sess.TokenFamily, sess.CreatedAt, sess.ExpiresAt,
		sess.Invalidated, nullString(sess.InvalidatedReason))
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *sessionStore) Find(ctx context.Context, sessionID string) (*auth.Session, error) {
	var (
		sess   auth.Session
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select session_id, user_id, device_id, token_family, created_at, expires_at, invalidated, invalidated_reason
		from sessions where session_id = $1`, sessionID).
		Scan(&sess.SessionID, &sess.UserID, &sess.DeviceID, &sess.TokenFamily, &sess.CreatedAt,
			&sess.ExpiresAt, &sess.Invalidated, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.InvalidatedReason = optString(reason)
	return &sess, nil
}

func (s *sessionStore) Extend(ctx context.Context, sessionID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions set expires_at = $2
		where session_id = $1 and expires_at < $2`, sessionID, expiresAt)
	return err
}

func (s *sessionStore) InvalidateUser(ctx context.Context, userID, reason string) ([]string, error) {
	return collectIDs(s.db.QueryContext(ctx, `
		update sessions
		set invalidated = true, invalidated_reason = $2
		where user_id = $1 and invalidated = false
		returning session_id`, userID, reason))
}

// Revocations ----------------------------------------------------------------
type revocationStore struct{ db *sql.DB }

func (s *revocationStore) Revoke(ctx context.Context, revocations ...auth.AccessRevocation) error {
	for _, r := range revocations {
		if _, err := s.db.ExecContext(ctx, `
			insert into revoked_access_tokens (token_id, expires_at, reason)
			values ($1,$2,$3)
			on conflict (token_id) do nothing`, r.TokenID, r.ExpiresAt, r.Reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *revocationStore) IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from revoked_access_tokens where token_id = $1 and expires_at > $2)`,
		tokenID, now).Scan(&revoked)
	return revoked, err
}

func (s *revocationStore) Purge(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `delete from revoked_access_tokens where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
