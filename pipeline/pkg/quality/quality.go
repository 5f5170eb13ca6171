// Package quality implements the record validation gate: a named set of
// boolean predicates that every record must satisfy before it reaches the
// sequencer or the join stage. Records failing any rule are dropped.
package quality

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

var (
	// ErrMissingField is returned by a predicate that needs a field the record does not carry.
	ErrMissingField = errors.New("missing field")
)

// Predicate evaluates a rule against a record. Returning an error rejects the record.
type Predicate func(r record.Record) (bool, error)

// Rule is a named predicate.
type Rule struct {
	Name      string
	Expr      string
	Predicate Predicate
}

// RuleSet is an immutable, name-ordered collection of rules.
type RuleSet struct {
	rules []Rule
}

// Verdict is the outcome of validating one record.
type Verdict struct {
	Accepted bool
	// Rule is the first failing rule in name order; empty when accepted.
	Rule string
	// Err is set when the failing rule could not be evaluated (for example a missing field).
	Err error
}

// NewRuleSet builds a rule set from already-typed rules.
func NewRuleSet(rules ...Rule) (RuleSet, error) {
	seen := make(map[string]struct{}, len(rules))
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return RuleSet{}, errors.New("rule name is required")
		}
		if r.Predicate == nil {
			return RuleSet{}, fmt.Errorf("rule %q: predicate is required", r.Name)
		}
		if _, ok := seen[r.Name]; ok {
			return RuleSet{}, fmt.Errorf("rule %q: duplicate rule name", r.Name)
		}
		seen[r.Name] = struct{}{}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Rule) int { return strings.Compare(a.Name, b.Name) })
	return RuleSet{rules: out}, nil
}

// Compile parses rule expressions keyed by rule name, e.g.
// {"rule1": "booking_id IS NOT NULL"}.
func Compile(exprs map[string]string) (RuleSet, error) {
	rules := make([]Rule, 0, len(exprs))
	for name, expr := range exprs {
		pred, err := Parse(expr)
		if err != nil {
			return RuleSet{}, fmt.Errorf("rule %q: %w", name, err)
		}
		rules = append(rules, Rule{Name: name, Expr: expr, Predicate: pred})
	}
	return NewRuleSet(rules...)
}

// Len returns the number of rules.
func (rs RuleSet) Len() int {
	return len(rs.rules)
}

// Names returns the rule names in evaluation order.
func (rs RuleSet) Names() []string {
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.Name
	}
	return names
}

// Validate evaluates every rule. It never mutates the record.
func (rs RuleSet) Validate(r record.Record) Verdict {
	for _, rule := range rs.rules {
		ok, err := rule.Predicate(r)
		if err != nil {
			return Verdict{Rule: rule.Name, Err: err}
		}
		if !ok {
			return Verdict{Rule: rule.Name}
		}
	}
	return Verdict{Accepted: true}
}

// NotNull returns a predicate requiring every field to be present and non-NULL.
func NotNull(fields ...string) Predicate {
	return func(r record.Record) (bool, error) {
		for _, f := range fields {
			if !r.Has(f) {
				return false, nil
			}
		}
		return true, nil
	}
}
