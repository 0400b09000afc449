package authz

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryDirectory is an in-process EntityDirectory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	entities map[EntityRef]Entity
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entities: make(map[EntityRef]Entity)}
}

func (d *MemoryDirectory) Get(_ context.Context, ref EntityRef) (Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entities[ref]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return clone(e), nil
}

func (d *MemoryDirectory) Create(_ context.Context, e Entity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entities[e.Ref()]; ok {
		return ErrAlreadyExists
	}
	d.entities[e.Ref()] = clone(e)
	return nil
}

func (d *MemoryDirectory) Update(_ context.Context, e Entity) (Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.entities[e.Ref()]
	if !ok {
		return Entity{}, ErrNotFound
	}
	if cur.Version != e.Version {
		return Entity{}, ErrVersionConflict
	}
	e.Version++
	e.CreatedAt = cur.CreatedAt
	d.entities[e.Ref()] = clone(e)
	return clone(e), nil
}

func (d *MemoryDirectory) Delete(_ context.Context, ref EntityRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entities[ref]; !ok {
		return ErrNotFound
	}
	delete(d.entities, ref)
	return nil
}

func (d *MemoryDirectory) List(_ context.Context, entityType string) ([]Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Entity
	for ref, e := range d.entities {
		if ref.Type == entityType {
			out = append(out, clone(e))
		}
	}
	slices.SortFunc(out, func(a, b Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (d *MemoryDirectory) Ping(context.Context) error { return nil }

func clone(e Entity) Entity {
	e.Attributes = maps.Clone(e.Attributes)
	e.Relationships.Roles = slices.Clone(e.Relationships.Roles)
	e.Relationships.Groups = slices.Clone(e.Relationships.Groups)
	return e
}

var _ EntityDirectory = (*MemoryDirectory)(nil)

// MemoryPolicies is an in-process PolicyStore.
type MemoryPolicies struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemoryPolicies returns a store holding ps.
func NewMemoryPolicies(ps ...Policy) *MemoryPolicies {
	m := &MemoryPolicies{policies: make(map[string]Policy)}
	for _, p := range ps {
		m.policies[p.ID] = p
	}
	return m
}

// Put adds or replaces a policy.
func (m *MemoryPolicies) Put(p Policy) {
	m.mu.Lock()
	m.policies[p.ID] = p
	m.mu.Unlock()
}

// Upsert stores p, bumping the version when the content changes.
func (m *MemoryPolicies) Upsert(_ context.Context, p Policy) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Version = 1
	if prev, ok := m.policies[p.ID]; ok {
		p.Version = prev.Version
		if prev.Content != p.Content {
			p.Version++
		}
	}
	m.policies[p.ID] = p
	return p, nil
}

func (m *MemoryPolicies) ActivePolicies(context.Context) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Policy
	for _, p := range m.policies {
		if p.Active {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Policy) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemoryPolicies) Ping(context.Context) error { return nil }

var (
	_ PolicyStore  = (*MemoryPolicies)(nil)
	_ PolicyWriter = (*MemoryPolicies)(nil)
)
