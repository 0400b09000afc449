// Package migrate applies the embedded schema and seed files to PostgreSQL.
package migrate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"arbiter.gg/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey serialises concurrent migrate runs against one database.
	lockKey int64 = 0x61726269746572
)

var (
	ErrChecksumMismatch = errors.New("migrate: applied file has changed")
	ErrNothingApplied   = errors.New("migrate: no migrations applied")
	ErrMissingDown      = errors.New("migrate: missing down migration")
)

// Record is one bookkeeping row.
type Record struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

type fileSet struct {
	table  string
	dir    string
	suffix string
	kind   string
}

// Manager executes SQL migrations and seed files read from an fs.FS.
type Manager struct {
	db     *sql.DB
	fsys   fs.FS
	schema fileSet
	seeds  fileSet
	logger *zap.Logger
	now    func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.schema.table = name
		}
	}
}

func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager over the given directories of fsys.
// An empty directory name disables that set.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		fsys:   fsys,
		schema: fileSet{table: defaultMigrationsTable, dir: migrationsDir, suffix: ".up.sql", kind: "migration"},
		seeds:  fileSet{table: defaultSeedsTable, dir: seedsDir, suffix: ".sql", kind: "seed"},
		logger: obs.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	var n int
	err := m.locked(ctx, func(conn *sql.Conn) (err error) {
		n, err = m.applyPending(ctx, conn, m.schema)
		return err
	})
	return n, err
}

// Seed applies pending seed files and returns how many ran.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	var n int
	err := m.locked(ctx, func(conn *sql.Conn) (err error) {
		n, err = m.applyPending(ctx, conn, m.seeds)
		return err
	})
	return n, err
}

// Down rolls back the most recent applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var name string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		history, err := records(ctx, conn, m.schema.table)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return ErrNothingApplied
		}
		last := history[len(history)-1]
		downPath := strings.TrimSuffix(path.Join(m.schema.dir, last.Name), m.schema.suffix) + ".down.sql"
		body, err := fs.ReadFile(m.fsys, downPath)
		if err != nil {
			return fmt.Errorf("%w for %s", ErrMissingDown, last.Name)
		}
		err = runFile(ctx, conn, body, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.schema.table), last.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback migration %s: %w", last.Name, err)
		}
		m.logger.Info("migration rolled back", zap.String("name", last.Name))
		name = last.Name
		return nil
	})
	return name, err
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := m.ensureTables(ctx, conn); err != nil {
		return nil, err
	}
	return records(ctx, conn, m.schema.table)
}

// locked runs fn on one connection holding the migrate advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey); err != nil {
			m.logger.Warn("release migrate lock", zap.Error(err))
		}
	}()

	if err := m.ensureTables(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) applyPending(ctx context.Context, conn *sql.Conn, set fileSet) (int, error) {
	files, err := collectSQL(m.fsys, set.dir, set.suffix)
	if err != nil {
		return 0, err
	}
	history, err := records(ctx, conn, set.table)
	if err != nil {
		return 0, err
	}
	applied := make(map[string]Record, len(history))
	for _, rec := range history {
		applied[rec.Name] = rec
	}

	var n int
	for _, f := range files {
		body, err := fs.ReadFile(m.fsys, f.Path)
		if err != nil {
			return n, err
		}
		sum := checksum(body)
		if rec, ok := applied[f.Base]; ok {
			if rec.Checksum != "" && rec.Checksum != sum {
				return n, fmt.Errorf("%w: %s %s", ErrChecksumMismatch, set.kind, f.Base)
			}
			continue
		}
		err = runFile(ctx, conn, body, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3)`, set.table),
				f.Base, sum, m.now().UTC())
			return err
		})
		if err != nil {
			return n, fmt.Errorf("apply %s %s: %w", set.kind, f.Base, err)
		}
		m.logger.Info(set.kind+" applied", zap.String("name", f.Base), zap.String("checksum", sum[:12]))
		n++
	}
	return n, nil
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{m.schema.table, m.seeds.table} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			checksum text not null default '',
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// runFile executes every statement of body and the bookkeeping write in one
// transaction.
func runFile(ctx context.Context, conn *sql.Conn, body []byte, record func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func records(ctx context.Context, conn *sql.Conn, table string) ([]Record, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.Checksum, &rec.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if dir == "" || fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, sqlFile{Base: e.Name(), Path: path.Join(dir, e.Name())})
	}
	slices.SortFunc(files, func(a, b sqlFile) int { return strings.Compare(a.Base, b.Base) })
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted literals.
func splitStatements(body string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, r := range body {
		current.WriteRune(r)
		switch {
		case r == '\'':
			inString = !inString
		case r == ';' && !inString:
			stmts = append(stmts, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
