// Package pg holds the PostgreSQL implementations of the token store,
// entity directory, policy store and player identity provider.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"arbiter.gg/internal/opt"
)

const pgErrUniqueViolation = "23505"

// Store owns the connection pool shared by the table-specific stores.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Tokens() *TokenStore { return NewTokenStore(s.db) }

func (s *Store) Entities() *EntityDirectory { return NewEntityDirectory(s.db) }

func (s *Store) Policies() *PolicyStore { return NewPolicyStore(s.db) }

func (s *Store) Players() *Players { return NewPlayers(s.db) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func nullString(v opt.Value[string]) sql.NullString {
	s, ok := v.Get()
	return sql.NullString{String: s, Valid: ok}
}

func nullTime(v opt.Value[time.Time]) sql.NullTime {
	t, ok := v.Get()
	return sql.NullTime{Time: t, Valid: ok}
}

func optString(v sql.NullString) opt.Value[string] {
	if !v.Valid {
		return opt.None[string]()
	}
	return opt.Some(v.String)
}

func optTime(v sql.NullTime) opt.Value[time.Time] {
	if !v.Valid {
		return opt.None[time.Time]()
	}
	return opt.Some(v.Time)
}
