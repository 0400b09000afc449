package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"arbiter.gg/internal/authz"
	"arbiter.gg/internal/opt"
)

var entityCols = []string{"entity_type", "entity_id", "attributes", "relationships", "version", "expires_at", "created_at", "updated_at"}

func newMockDirectory(t *testing.T) (*EntityDirectory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEntityDirectory(db), mock
}

func TestEntityGetDecodesJSON(t *testing.T) {
	dir, mock := newMockDirectory(t)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select .+ from entities").
		WithArgs("Player", "123").
		WillReturnRows(sqlmock.NewRows(entityCols).AddRow(
			"Player", "123",
			[]byte(`{"level":12,"status":"active"}`),
			[]byte(`{"alliance":"alliance-7","roles":["player"]}`),
			int64(3), nil, created, created))
	mock.ExpectQuery("select .+ from entities").
		WithArgs("Player", "nobody").
		WillReturnRows(sqlmock.NewRows(entityCols))

	e, err := dir.Get(context.Background(), authz.EntityRef{Type: "Player", ID: "123"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Version != 3 || e.Attributes["status"] != "active" || e.Attributes["level"] != float64(12) {
		t.Fatalf("unexpected entity: %+v", e)
	}
	if alliance, ok := e.Relationships.Alliance.Get(); !ok || alliance != "alliance-7" {
		t.Fatalf("expected alliance-7, got %+v", e.Relationships)
	}
	if e.ExpiresAt.Present() {
		t.Fatalf("expected no expiry")
	}

	if _, err := dir.Get(context.Background(), authz.EntityRef{Type: "Player", ID: "nobody"}); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected authz.ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEntityCreateDuplicate(t *testing.T) {
	dir, mock := newMockDirectory(t)
	now := time.Now().UTC()
	e := authz.Entity{
		Type: "Raid", ID: "r1",
		Attributes: map[string]any{"minLevel": 10},
		Version:    1,
		ExpiresAt:  opt.Some(now.Add(time.Hour)),
		CreatedAt:  now, UpdatedAt: now,
	}

	mock.ExpectExec("insert into entities").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into entities").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	if err := dir.Create(context.Background(), e); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := dir.Create(context.Background(), e); !errors.Is(err, authz.ErrAlreadyExists) {
		t.Fatalf("expected authz.ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEntityUpdateIsVersionChecked(t *testing.T) {
	dir, mock := newMockDirectory(t)
	now := time.Now().UTC()
	e := authz.Entity{Type: "Player", ID: "123", Attributes: map[string]any{"level": 13}, Version: 2, CreatedAt: now, UpdatedAt: now}

	mock.ExpectQuery("update entities").
		WillReturnRows(sqlmock.NewRows(entityCols).AddRow(
			"Player", "123", []byte(`{"level":13}`), []byte(`{}`), int64(3), nil, now, now))
	mock.ExpectQuery("update entities").WillReturnRows(sqlmock.NewRows(entityCols))
	mock.ExpectQuery("select exists").WithArgs("Player", "123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("update entities").WillReturnRows(sqlmock.NewRows(entityCols))
	mock.ExpectQuery("select exists").WithArgs("Player", "123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	updated, err := dir.Update(context.Background(), e)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 3 {
		t.Fatalf("expected version 3, got %d", updated.Version)
	}
	if _, err := dir.Update(context.Background(), e); !errors.Is(err, authz.ErrVersionConflict) {
		t.Fatalf("expected authz.ErrVersionConflict, got %v", err)
	}
	if _, err := dir.Update(context.Background(), e); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected authz.ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEntityDeleteAndList(t *testing.T) {
	dir, mock := newMockDirectory(t)
	now := time.Now().UTC()

	mock.ExpectExec("delete from entities").WithArgs("Player", "1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from entities").WithArgs("Player", "2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select .+ from entities").WithArgs("Player").
		WillReturnRows(sqlmock.NewRows(entityCols).
			AddRow("Player", "a", []byte(`{}`), []byte(`{}`), int64(1), nil, now, now).
			AddRow("Player", "b", []byte(`{}`), []byte(`{"groups":["beta"]}`), int64(1), now.Add(time.Hour), now, now))

	if err := dir.Delete(context.Background(), authz.EntityRef{Type: "Player", ID: "1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := dir.Delete(context.Background(), authz.EntityRef{Type: "Player", ID: "2"}); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected authz.ErrNotFound, got %v", err)
	}
	list, err := dir.List(context.Background(), "Player")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[1].Relationships.Groups[0] != "beta" || !list[1].ExpiresAt.Present() {
		t.Fatalf("unexpected list: %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
