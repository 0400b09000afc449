package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"arbiter.gg/internal/authz"
)

// EntityDirectory stores authorization entities with optimistic
// versioning on the version column.
type EntityDirectory struct {
	db *sql.DB
}

var _ authz.EntityDirectory = (*EntityDirectory)(nil)

func NewEntityDirectory(db *sql.DB) *EntityDirectory {
	return &EntityDirectory{db: db}
}

const entityColumns = `entity_type, entity_id, attributes, relationships, version, expires_at, created_at, updated_at`

func (d *EntityDirectory) Get(ctx context.Context, ref authz.EntityRef) (authz.Entity, error) {
	row := d.db.QueryRowContext(ctx, `
		select `+entityColumns+`
		from entities
		where entity_type = $1 and entity_id = $2`, ref.Type, ref.ID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Entity{}, authz.ErrNotFound
	}
	return e, err
}

func (d *EntityDirectory) Create(ctx context.Context, e authz.Entity) error {
	attrs, rels, err := encodeEntity(e)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		insert into entities (`+entityColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.Type, e.ID, attrs, rels, e.Version, nullTime(e.ExpiresAt), e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return authz.ErrAlreadyExists
	}
	return err
}

// Update writes e only if the stored version still equals e.Version.
func (d *EntityDirectory) Update(ctx context.Context, e authz.Entity) (authz.Entity, error) {
	attrs, rels, err := encodeEntity(e)
	if err != nil {
		return authz.Entity{}, err
	}
	row := d.db.QueryRowContext(ctx, `
		update entities
		set attributes = $3, relationships = $4, expires_at = $5, updated_at = $6, version = version + 1
		where entity_type = $1 and entity_id = $2 and version = $7
		returning `+entityColumns,
		e.Type, e.ID, attrs, rels, nullTime(e.ExpiresAt), e.UpdatedAt, e.Version)
	updated, err := scanEntity(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return authz.Entity{}, err
	}
	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`select exists(select 1 from entities where entity_type = $1 and entity_id = $2)`,
		e.Type, e.ID).Scan(&exists); err != nil {
		return authz.Entity{}, err
	}
	if !exists {
		return authz.Entity{}, authz.ErrNotFound
	}
	return authz.Entity{}, authz.ErrVersionConflict
}

func (d *EntityDirectory) Delete(ctx context.Context, ref authz.EntityRef) error {
	result, err := d.db.ExecContext(ctx,
		`delete from entities where entity_type = $1 and entity_id = $2`, ref.Type, ref.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (d *EntityDirectory) List(ctx context.Context, entityType string) ([]authz.Entity, error) {
	rows, err := d.db.QueryContext(ctx, `
		select `+entityColumns+`
		from entities
		where entity_type = $1
		order by entity_id`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *EntityDirectory) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func encodeEntity(e authz.Entity) ([]byte, []byte, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	rawAttrs, err := json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal attributes: %w", err)
	}
	rawRels, err := json.Marshal(e.Relationships)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal relationships: %w", err)
	}
	return rawAttrs, rawRels, nil
}

func scanEntity(row rowScanner) (authz.Entity, error) {
	var (
		e                 authz.Entity
		rawAttrs, rawRels []byte
		expires           sql.NullTime
	)
	if err := row.Scan(&e.Type, &e.ID, &rawAttrs, &rawRels, &e.Version, &expires, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return authz.Entity{}, err
	}
	e.Attributes = map[string]any{}
	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &e.Attributes); err != nil {
			return authz.Entity{}, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if len(rawRels) > 0 {
		if err := json.Unmarshal(rawRels, &e.Relationships); err != nil {
			return authz.Entity{}, fmt.Errorf("decode relationships: %w", err)
		}
	}
	e.ExpiresAt = optTime(expires)
	return e, nil
}
