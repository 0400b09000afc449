package authz

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/cache"
	"arbiter.gg/internal/opt"
)

// EntityInput carries the caller-controlled fields of an entity. Version
// must equal the stored version on update. A zero TTL means no expiry.
type EntityInput struct {
	Type          string         `json:"entityType"`
	ID            string         `json:"entityId"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Relationships Relationships  `json:"relationships"`
	TTL           time.Duration  `json:"-"`
	Version       int64          `json:"version,omitempty"`
}

// EntityService manages directory entities and keeps the entity cache in
// step with every mutation.
type EntityService struct {
	dir    EntityDirectory
	cache  cache.Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewEntityService wires a directory and the cache shared with the Engine.
// logger and now may be nil.
func NewEntityService(dir EntityDirectory, c cache.Cache, logger *zap.Logger, now func() time.Time) *EntityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &EntityService{dir: dir, cache: c, logger: logger, now: now}
}

// Create stores a new entity at version 1.
func (s *EntityService) Create(ctx context.Context, in EntityInput) (Entity, error) {
	if err := in.validate(); err != nil {
		return Entity{}, err
	}
	now := s.now().UTC()
	e := in.entity(now)
	e.Version = 1
	e.CreatedAt = now
	if err := s.dir.Create(ctx, e); err != nil {
		return Entity{}, err
	}
	s.invalidate(ctx, e.Ref())
	s.logger.Info("entity created", zap.String("event", "entity_created"), zap.String("entity", e.Ref().String()))
	return e, nil
}

// Update replaces the attributes and relationships of an entity. It fails
// with ErrVersionConflict if in.Version is not the stored version.
func (s *EntityService) Update(ctx context.Context, in EntityInput) (Entity, error) {
	if err := in.validate(); err != nil {
		return Entity{}, err
	}
	if in.Version < 1 {
		return Entity{}, fmt.Errorf("%w: version is required for update", ErrInvalidEntity)
	}
	e := in.entity(s.now().UTC())
	e.Version = in.Version
	updated, err := s.dir.Update(ctx, e)
	if err != nil {
		return Entity{}, err
	}
	s.invalidate(ctx, e.Ref())
	s.logger.Info("entity updated",
		zap.String("event", "entity_updated"),
		zap.String("entity", e.Ref().String()),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}

// Delete removes an entity.
func (s *EntityService) Delete(ctx context.Context, ref EntityRef) error {
	if err := ref.validate("entity"); err != nil {
		return err
	}
	if err := s.dir.Delete(ctx, ref); err != nil {
		return err
	}
	s.invalidate(ctx, ref)
	return nil
}

// Get returns a live entity; expired entities are reported as ErrNotFound.
func (s *EntityService) Get(ctx context.Context, ref EntityRef) (Entity, error) {
	if err := ref.validate("entity"); err != nil {
		return Entity{}, err
	}
	e, err := s.dir.Get(ctx, ref)
	if err != nil {
		return Entity{}, err
	}
	if e.Expired(s.now()) {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

// List returns the live entities of one type ordered by id.
func (s *EntityService) List(ctx context.Context, entityType string) ([]Entity, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, fmt.Errorf("%w: entityType is required", ErrInvalidEntity)
	}
	all, err := s.dir.List(ctx, entityType)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]Entity, 0, len(all))
	for _, e := range all {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EntityService) invalidate(ctx context.Context, ref EntityRef) {
	if err := s.cache.Delete(ctx, entityKey(ref)); err != nil {
		s.logger.Warn("entity cache invalidation failed", zap.String("entity", ref.String()), zap.Error(err))
	}
}

func (in EntityInput) entity(now time.Time) Entity {
	e := Entity{
		Type:          strings.TrimSpace(in.Type),
		ID:            strings.TrimSpace(in.ID),
		Attributes:    in.Attributes,
		Relationships: in.Relationships,
		UpdatedAt:     now,
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
	if in.TTL > 0 {
		e.ExpiresAt = opt.Some(now.Add(in.TTL))
	}
	return e
}

func (in EntityInput) validate() error {
	ref := EntityRef{Type: strings.TrimSpace(in.Type), ID: strings.TrimSpace(in.ID)}
	if ref.Type == "" || ref.ID == "" {
		return fmt.Errorf("%w: entityType and entityId are required", ErrInvalidEntity)
	}
	if strings.ContainsAny(ref.Type, ": ") {
		return fmt.Errorf("%w: entityType %q contains a separator", ErrInvalidEntity, ref.Type)
	}
	if in.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", ErrInvalidEntity)
	}
	for k, v := range in.Attributes {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty attribute name", ErrInvalidEntity)
		}
		if !attributeValue(v, true) {
			return fmt.Errorf("%w: attribute %q must be a scalar or an array of scalars", ErrInvalidEntity, k)
		}
	}
	return nil
}

func attributeValue(v any, allowList bool) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice, reflect.Array:
		if !allowList {
			return false
		}
		items, _ := list(v)
		for _, item := range items {
			if !attributeValue(item, false) {
				return false
			}
		}
		return true
	}
	return false
}

// PolicyService exposes the active policy set and its cache.
type PolicyService struct {
	store PolicyStore
	cache cache.Cache
}

// NewPolicyService wires a policy store and the cache shared with the Engine.
func NewPolicyService(store PolicyStore, c cache.Cache) *PolicyService {
	return &PolicyService{store: store, cache: c}
}

// Active lists the active policies straight from the store.
func (s *PolicyService) Active(ctx context.Context) ([]Policy, error) {
	return s.store.ActivePolicies(ctx)
}

// Invalidate drops the cached policy set so the next decision reloads it.
// Cached decisions still expire on their own TTL.
func (s *PolicyService) Invalidate(ctx context.Context) error {
	return s.cache.Delete(ctx, policiesKey)
}

// Upsert validates p and stores it, then drops the cached policy set.
func (s *PolicyService) Upsert(ctx context.Context, p Policy) (Policy, error) {
	w, ok := s.store.(PolicyWriter)
	if !ok {
		return Policy{}, fmt.Errorf("%w: policy store is read-only", ErrInvalidPolicy)
	}
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return Policy{}, fmt.Errorf("%w: policyId is required", ErrInvalidPolicy)
	}
	if p.Type == "" {
		p.Type = "abac"
	}
	if err := s.Validate(p.Content); err != nil {
		return Policy{}, err
	}
	stored, err := w.Upsert(ctx, p)
	if err != nil {
		return Policy{}, err
	}
	if err := s.Invalidate(ctx); err != nil {
		return stored, err
	}
	return stored, nil
}

// Validate decodes content without storing it.
func (s *PolicyService) Validate(content string) error {
	_, err := ParseRules(content)
	return err
}
