package authz

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule effects.
const (
	EffectPermit = "permit"
	EffectForbid = "forbid"
)

// Rule is one permit or forbid statement of a policy document:
//
//	effect: permit
//	principal: {type: Player, in: "Alliance:a1"}
//	actions: [viewProfile]
//	resource: {type: Player}
//	when:
//	  - {attr: principal.id, op: eq, ref: resource.id}
//
// Omitted scopes match everything.
type Rule struct {
	Effect    string      `yaml:"effect"`
	Principal Scope       `yaml:"principal"`
	Actions   []string    `yaml:"actions"`
	Resource  Scope       `yaml:"resource"`
	When      []Condition `yaml:"when"`
}

// Scope restricts the principal or resource of a rule.
type Scope struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
	In   string `yaml:"in"`
}

// Condition compares the attribute at Attr with either another attribute
// (Ref) or a literal (Value).
type Condition struct {
	Attr  string `yaml:"attr"`
	Op    string `yaml:"op"`
	Ref   string `yaml:"ref"`
	Value any    `yaml:"value"`
}

// Condition operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
	OpExists   = "exists"
)

var knownOps = map[string]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpContains: {}, OpExists: {},
}

var attrRoots = map[string]struct{}{
	"principal": {}, "resource": {}, "action": {}, "context": {},
}

// document is either a single rule or a list under "rules".
type document struct {
	Rule  `yaml:",inline"`
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes policy content. JSON documents are accepted since
// JSON is valid YAML.
func ParseRules(content string) ([]Rule, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidPolicy)
	}
	var doc document
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	rules := doc.Rules
	if doc.Effect != "" {
		rules = append([]Rule{doc.Rule}, rules...)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidPolicy)
	}
	for i := range rules {
		if err := rules[i].normalize(); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidPolicy, i, err)
		}
	}
	return rules, nil
}

func (r *Rule) normalize() error {
	r.Effect = strings.ToLower(strings.TrimSpace(r.Effect))
	if r.Effect != EffectPermit && r.Effect != EffectForbid {
		return fmt.Errorf("unknown effect %q", r.Effect)
	}
	for i, c := range r.When {
		c.Op = strings.ToLower(strings.TrimSpace(c.Op))
		if _, ok := knownOps[c.Op]; !ok {
			return fmt.Errorf("unknown operator %q", c.Op)
		}
		if err := checkPath(c.Attr); err != nil {
			return err
		}
		if c.Ref != "" {
			if err := checkPath(c.Ref); err != nil {
				return err
			}
		}
		r.When[i] = c
	}
	return nil
}

func checkPath(path string) error {
	root, _, _ := strings.Cut(path, ".")
	if _, ok := attrRoots[root]; !ok || !strings.Contains(path, ".") {
		return fmt.Errorf("invalid attribute path %q", path)
	}
	return nil
}

// matches reports whether the rule applies to in.
func (r Rule) matches(in *Input) bool {
	if !r.Principal.matches(in.Principal) || !r.Resource.matches(in.Resource) {
		return false
	}
	if !matchAction(r.Actions, in.Action) {
		return false
	}
	for _, c := range r.When {
		if !c.holds(in) {
			return false
		}
	}
	return true
}

func (s Scope) matches(n node) bool {
	if s.Type != "" && s.Type != n.ref.Type {
		return false
	}
	if s.ID != "" && s.ID != n.ref.ID {
		return false
	}
	if s.In != "" {
		if _, ok := n.ancestors[s.In]; !ok {
			return false
		}
	}
	return true
}

func matchAction(patterns []string, action ActionRef) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.Contains(p, "::"):
			if p == action.String() {
				return true
			}
		case p == action.ID:
			return true
		}
	}
	return false
}

func (c Condition) holds(in *Input) bool {
	left, ok := in.lookup(c.Attr)
	if c.Op == OpExists {
		want := true
		if b, isBool := c.Value.(bool); isBool {
			want = b
		}
		return ok == want
	}
	if !ok {
		return false
	}
	right := c.Value
	if c.Ref != "" {
		if right, ok = in.lookup(c.Ref); !ok {
			return false
		}
	}
	switch c.Op {
	case OpEq:
		return equal(left, right)
	case OpNe:
		return !equal(left, right)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(left, right)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		return member(right, left)
	case OpContains:
		if s, isStr := left.(string); isStr {
			sub, subStr := right.(string)
			return subStr && strings.Contains(s, sub)
		}
		return member(left, right)
	}
	return false
}
