// Package authz evaluates attribute-based authorization decisions over an
// entity graph of players, alliances, roles and groups. Every failure is
// folded into a DENY decision; see failmode.Authorize.
package authz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"arbiter.gg/internal/opt"
)

// Decision outcomes.
const (
	Allow = "ALLOW"
	Deny  = "DENY"
)

// Errors returned by the entity services.
var (
	ErrNotFound        = errors.New("authz: not found")
	ErrAlreadyExists   = errors.New("authz: already exists")
	ErrVersionConflict = errors.New("authz: version conflict")
	ErrInvalidEntity   = errors.New("authz: invalid entity")
	ErrInvalidRequest  = errors.New("authz: invalid request")
	ErrInvalidPolicy   = errors.New("authz: invalid policy")
)

// EntityRef names an entity in the graph.
type EntityRef struct {
	Type string `json:"entityType"`
	ID   string `json:"entityId"`
}

func (r EntityRef) String() string { return r.Type + ":" + r.ID }

func (r EntityRef) validate(field string) error {
	if strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: %s entityType and entityId are required", ErrInvalidRequest, field)
	}
	return nil
}

// ActionRef names the action being authorized.
type ActionRef struct {
	Type string `json:"actionType"`
	ID   string `json:"actionId"`
}

func (a ActionRef) String() string { return a.Type + "::" + a.ID }

// Request is one authorization question.
type Request struct {
	Principal EntityRef      `json:"principal"`
	Action    ActionRef      `json:"action"`
	Resource  EntityRef      `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
}

// Validate checks that every reference is complete.
func (r Request) Validate() error {
	if err := r.Principal.validate("principal"); err != nil {
		return err
	}
	if err := r.Resource.validate("resource"); err != nil {
		return err
	}
	if strings.TrimSpace(r.Action.ID) == "" {
		return fmt.Errorf("%w: action actionId is required", ErrInvalidRequest)
	}
	return nil
}

// AuthorizationDecision is the answer to a Request. It doubles as the
// decision cache value.
type AuthorizationDecision struct {
	Decision            string   `json:"decision"`
	DeterminingPolicies []string `json:"determiningPolicies"`
	Errors              []string `json:"errors"`
	Cached              bool     `json:"cached"`
	LatencyMs           float64  `json:"latencyMs"`
}

// Allowed reports whether the decision grants access.
func (d AuthorizationDecision) Allowed() bool { return d.Decision == Allow }

func denied(errs ...error) AuthorizationDecision {
	d := AuthorizationDecision{Decision: Deny, DeterminingPolicies: []string{}, Errors: []string{}}
	for _, err := range errs {
		if err != nil {
			d.Errors = append(d.Errors, err.Error())
		}
	}
	return d
}

// Relationships are the parent edges of an entity.
type Relationships struct {
	Alliance opt.Value[string] `json:"alliance,omitzero"`
	Roles    []string          `json:"roles,omitempty"`
	Groups   []string          `json:"groups,omitempty"`
}

// Parents expands the relationships into "Type:id" references.
func (r Relationships) Parents() []string {
	var out []string
	if a, ok := r.Alliance.Get(); ok && a != "" {
		out = append(out, "Alliance:"+a)
	}
	for _, role := range r.Roles {
		if role = strings.TrimSpace(role); role != "" {
			out = append(out, "Role:"+role)
		}
	}
	for _, g := range r.Groups {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, "Group:"+g)
		}
	}
	return out
}

// Entity is a principal or resource with attributes and relationships.
// Version starts at 1 and grows by one per update.
type Entity struct {
	Type          string               `json:"entityType"`
	ID            string               `json:"entityId"`
	Attributes    map[string]any       `json:"attributes"`
	Relationships Relationships        `json:"relationships"`
	Version       int64                `json:"version"`
	ExpiresAt     opt.Value[time.Time] `json:"expiresAt,omitzero"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// Ref returns the entity reference.
func (e Entity) Ref() EntityRef { return EntityRef{Type: e.Type, ID: e.ID} }

// Expired reports whether the entity has passed its expiry.
func (e Entity) Expired(now time.Time) bool {
	exp, ok := e.ExpiresAt.Get()
	return ok && !now.Before(exp)
}

// Policy is a stored, pre-validated rule document.
type Policy struct {
	ID       string `json:"policyId"`
	Version  int    `json:"version"`
	Content  string `json:"content"`
	Type     string `json:"policyType"`
	Priority int    `json:"priority"`
	Active   bool   `json:"isActive"`
}

// HealthStatus is the tri-state engine health.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// HealthReport lists the result of each dependency probe.
type HealthReport struct {
	Status    HealthStatus      `json:"status"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checkedAt"`
}
