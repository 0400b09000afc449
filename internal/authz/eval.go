package authz

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// Evaluation is the outcome of running a policy set against an Input.
type Evaluation struct {
	Decision            string
	DeterminingPolicies []string
}

// Evaluator decides a request against the active policies.
type Evaluator interface {
	Evaluate(policies []Policy, in *Input) (Evaluation, error)
}

// RuleEvaluator evaluates YAML rule documents with deny-overrides
// semantics: ALLOW requires a matching permit and no matching forbid.
// Decoded documents are memoised per policy id and version.
type RuleEvaluator struct {
	parsed sync.Map // policyID@version -> []Rule
}

// NewRuleEvaluator returns an evaluator with an empty document cache.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{}
}

func (e *RuleEvaluator) rules(p Policy) ([]Rule, error) {
	key := p.ID + "@" + strconv.Itoa(p.Version)
	if v, ok := e.parsed.Load(key); ok {
		return v.([]Rule), nil
	}
	rules, err := ParseRules(p.Content)
	if err != nil {
		return nil, err
	}
	e.parsed.Store(key, rules)
	return rules, nil
}

// Evaluate implements Evaluator. An undecodable document fails the whole
// evaluation rather than being skipped.
func (e *RuleEvaluator) Evaluate(policies []Policy, in *Input) (Evaluation, error) {
	var permits, forbids []Policy
	for _, p := range policies {
		if !p.Active {
			continue
		}
		rules, err := e.rules(p)
		if err != nil {
			return Evaluation{}, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		var permit, forbid bool
		for _, r := range rules {
			if !r.matches(in) {
				continue
			}
			if r.Effect == EffectForbid {
				forbid = true
			} else {
				permit = true
			}
		}
		if forbid {
			forbids = append(forbids, p)
		}
		if permit {
			permits = append(permits, p)
		}
	}
	switch {
	case len(forbids) > 0:
		return Evaluation{Decision: Deny, DeterminingPolicies: policyIDs(forbids)}, nil
	case len(permits) > 0:
		return Evaluation{Decision: Allow, DeterminingPolicies: policyIDs(permits)}, nil
	}
	return Evaluation{Decision: Deny, DeterminingPolicies: []string{}}, nil
}

// policyIDs orders by priority, highest first, then id.
func policyIDs(ps []Policy) []string {
	slices.SortFunc(ps, func(a, b Policy) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
