package pg

import (
	"context"
	"database/sql"

	"arbiter.gg/internal/authz"
)

// PolicyStore reads the policies table.
type PolicyStore struct {
	db *sql.DB
}

var (
	_ authz.PolicyStore  = (*PolicyStore)(nil)
	_ authz.PolicyWriter = (*PolicyStore)(nil)
)

func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// ActivePolicies returns active policies, highest priority first.
func (s *PolicyStore) ActivePolicies(ctx context.Context) ([]authz.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select policy_id, version, content, policy_type, priority, is_active
		from policies
		where is_active = true
		order by priority desc, policy_id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Policy
	for rows.Next() {
		var p authz.Policy
		if err := rows.Scan(&p.ID, &p.Version, &p.Content, &p.Type, &p.Priority, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert stores p, bumping the version when the content changes.
func (s *PolicyStore) Upsert(ctx context.Context, p authz.Policy) (authz.Policy, error) {
	err := s.db.QueryRowContext(ctx, `
		insert into policies (policy_id, version, content, policy_type, priority, is_active, updated_at)
		values ($1, 1, $2, $3, $4, $5, now())
		on conflict (policy_id) do update
		set version = case when policies.content = excluded.content then policies.version else policies.version + 1 end,
			content = excluded.content,
			policy_type = excluded.policy_type,
			priority = excluded.priority,
			is_active = excluded.is_active,
			updated_at = now()
		returning version`,
		p.ID, p.Content, p.Type, p.Priority, p.Active).Scan(&p.Version)
	if err != nil {
		return authz.Policy{}, err
	}
	return p, nil
}

func (s *PolicyStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
