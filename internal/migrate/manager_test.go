package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"arbiter.gg/migrations"
)

var recordColumns = []string{"name", "checksum", "applied_at"}

func newMockManager(t *testing.T, fsys fstest.MapFS) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, fsys, "sql", "seeds", WithLogger(zap.NewNop())), mock
}

func expectLockAndTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_unlock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	const applied = "create table a (id int); create index a_idx on a (id);"
	fsys := fstest.MapFS{
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"sql/0001_a.up.sql":   {Data: []byte(applied)},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	mgr, mock := newMockManager(t, fsys)

	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow("0001_a.up.sql", checksum([]byte(applied)), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", checksum([]byte("create table b (id int);")), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	n, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d migrations, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRejectsEditedMigration(t *testing.T) {
	mgr, mock := newMockManager(t, fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("create table a (id bigint);")},
	})

	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow("0001_a.up.sql", checksum([]byte("create table a (id int);")), time.Now()))
	expectUnlock(mock)

	_, err := mgr.Up(context.Background())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	mgr, mock := newMockManager(t, fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("create table a (id int); create index broken;")},
	})

	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectUnlock(mock)

	_, err := mgr.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"sql/0002_b.down.sql": {Data: []byte("drop table b;")},
	}
	mgr, mock := newMockManager(t, fsys)

	now := time.Now()
	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("0001_a.up.sql", "", now.Add(-time.Hour)).
			AddRow("0002_b.up.sql", "", now))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	name, err := mgr.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_b.up.sql" {
		t.Fatalf("rolled back %q", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	mgr, mock := newMockManager(t, fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("create table a (id int);")},
	})

	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow("0001_a.up.sql", "", time.Now()))
	expectUnlock(mock)

	if _, err := mgr.Down(context.Background()); !errors.Is(err, ErrMissingDown) {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	mgr, mock := newMockManager(t, fstest.MapFS{})

	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns))
	expectUnlock(mock)

	if _, err := mgr.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	const more = "select 1;"
	mgr, mock := newMockManager(t, fstest.MapFS{
		"seeds/0001_policies.sql": {Data: []byte("insert into policies values ('a;b');")},
		"seeds/0002_more.sql":     {Data: []byte(more)},
	})

	expectLockAndTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_seeds").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow("0002_more.sql", checksum([]byte(more)), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("insert into policies").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0001_policies.sql", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	n, err := mgr.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d seeds, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStatusListsApplied(t *testing.T) {
	mgr, mock := newMockManager(t, fstest.MapFS{})

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow("0001_a.up.sql", "abc", at))

	got, err := mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(got) != 1 || got[0].Name != "0001_a.up.sql" || !got[0].AppliedAt.Equal(at) {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestSplitStatementsHonoursQuotes(t *testing.T) {
	stmts := splitStatements("insert into t values ('x;y'); select 1;\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "insert into t values ('x;y');" {
		t.Fatalf("unexpected first statement %q", stmts[0])
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(migrations.FS, migrations.SchemaDir, ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up.Path, ".up.sql") + ".down.sql"
		if _, err := migrations.FS.ReadFile(down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
	seeds, err := collectSQL(migrations.FS, migrations.SeedsDir, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds, got %v (%v)", seeds, err)
	}
}
