package skill

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// TargetResolver maps skill names to circuit breaker targets using glob
// patterns, so that e.g. "llm/**" can share one breaker. Skills matching no
// pattern are their own target.
type TargetResolver struct {
	rules []targetRule
}

type targetRule struct {
	pattern string
	target  string
}

// NewTargetResolver validates patterns. Longer patterns are tried first so
// that more specific rules win.
func NewTargetResolver(patterns map[string]string) (*TargetResolver, error) {
	rules := make([]targetRule, 0, len(patterns))
	for p, t := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("skill: invalid target pattern %q", p)
		}
		rules = append(rules, targetRule{pattern: p, target: t})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].pattern) != len(rules[j].pattern) {
			return len(rules[i].pattern) > len(rules[j].pattern)
		}
		return rules[i].pattern < rules[j].pattern
	})
	return &TargetResolver{rules: rules}, nil
}

// Target returns the breaker target for skill.
func (r *TargetResolver) Target(skill string) string {
	if r == nil {
		return skill
	}
	for _, rule := range r.rules {
		if ok, _ := doublestar.Match(rule.pattern, skill); ok {
			return rule.target
		}
	}
	return skill
}
