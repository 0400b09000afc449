package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"arbiter.gg/internal/auth"
	"arbiter.gg/internal/opt"
)

// Players is the identity provider backed by the players table.
type Players struct {
	db *sql.DB
}

var _ auth.IdentityProvider = (*Players)(nil)

func NewPlayers(db *sql.DB) *Players {
	return &Players{db: db}
}

const playerColumns = `user_id, username, user_type, roles, alliance_id, level, active`

// Authenticate checks username and password. Unknown users cost the same
// bcrypt work as known ones.
func (p *Players) Authenticate(ctx context.Context, username, password string) (auth.Identity, error) {
	var hash string
	row := p.db.QueryRowContext(ctx, `
		select `+playerColumns+`, password_hash
		from players
		where lower(username) = lower($1)`, strings.TrimSpace(username))
	identity, err := scanPlayer(row, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		auth.BurnPasswordCheck(password)
		return auth.Identity{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return auth.Identity{}, err
	}
	if err := auth.VerifyPassword(hash, password); err != nil || !identity.Active {
		return auth.Identity{}, auth.ErrInvalidCredentials
	}
	return identity, nil
}

func (p *Players) Lookup(ctx context.Context, userID string) (auth.Identity, error) {
	var hash string
	row := p.db.QueryRowContext(ctx, `
		select `+playerColumns+`, password_hash
		from players
		where user_id = $1`, userID)
	identity, err := scanPlayer(row, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	return identity, err
}

// Create registers a player with a bcrypt hash of password.
func (p *Players) Create(ctx context.Context, identity auth.Identity, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	roles, err := json.Marshal(identity.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	var level sql.NullInt64
	if v, ok := identity.Level.Get(); ok {
		level = sql.NullInt64{Int64: int64(v), Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		insert into players (user_id, username, user_type, roles, alliance_id, level, active, password_hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		identity.UserID, identity.Username, string(identity.UserType), roles,
		nullString(identity.AllianceID), level, identity.Active, hash)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func scanPlayer(row rowScanner, hash *string) (auth.Identity, error) {
	var (
		identity auth.Identity
		userType string
		rawRoles []byte
		alliance sql.NullString
		level    sql.NullInt64
	)
	if err := row.Scan(&identity.UserID, &identity.Username, &userType, &rawRoles, &alliance, &level,
		&identity.Active, hash); err != nil {
		return auth.Identity{}, err
	}
	ut, ok := auth.ParseUserType(userType)
	if !ok {
		return auth.Identity{}, fmt.Errorf("unknown user type %q", userType)
	}
	identity.UserType = ut
	if len(rawRoles) > 0 {
		if err := json.Unmarshal(rawRoles, &identity.Roles); err != nil {
			return auth.Identity{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	identity.AllianceID = optString(alliance)
	if level.Valid {
		identity.Level = opt.Some(int(level.Int64))
	}
	return identity, nil
}
