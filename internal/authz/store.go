package authz

import "context"

// PolicyStore serves the active policy set ordered by priority, highest
// first.
type PolicyStore interface {
	ActivePolicies(ctx context.Context) ([]Policy, error)
	Ping(ctx context.Context) error
}

// EntityDirectory is durable storage for entities. Update succeeds only if
// the stored version equals e.Version, and stores e with Version+1.
type EntityDirectory interface {
	Get(ctx context.Context, ref EntityRef) (Entity, error)
	Create(ctx context.Context, e Entity) error
	Update(ctx context.Context, e Entity) (Entity, error)
	Delete(ctx context.Context, ref EntityRef) error
	List(ctx context.Context, entityType string) ([]Entity, error)
	Ping(ctx context.Context) error
}

// PolicyWriter is implemented by policy stores that accept updates.
type PolicyWriter interface {
	Upsert(ctx context.Context, p Policy) (Policy, error)
}
