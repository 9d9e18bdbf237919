// Package filter selects which policies and rules of a catalog a scan runs.
package filter

import (
	"slices"
	"strings"

	"github.com/yairfalse/vahti/internal/policy"
)

// Filter implements policy.Selector. Entries of the include and exclude
// lists are either a policy ID or "policyId/ruleId".
type Filter struct {
	includePolicies map[string]bool
	includeRules    map[string]bool
	excludePolicies map[string]bool
	excludeRules    map[string]bool
	excludeTypes    map[string]bool
	minSeverity     policy.Severity
}

var _ policy.Selector = (*Filter)(nil)

// New creates a new Filter. An empty minSeverity keeps every severity.
func New(include, exclude, excludeTypes []string, minSeverity policy.Severity) *Filter {
	f := &Filter{
		includePolicies: make(map[string]bool),
		includeRules:    make(map[string]bool),
		excludePolicies: make(map[string]bool),
		excludeRules:    make(map[string]bool),
		excludeTypes:    make(map[string]bool),
		minSeverity:     minSeverity,
	}
	split(include, f.includePolicies, f.includeRules)
	split(exclude, f.excludePolicies, f.excludeRules)
	for _, t := range excludeTypes {
		f.excludeTypes[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return f
}

func split(entries []string, policies, rules map[string]bool) {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			rules[e] = true
			continue
		}
		policies[e] = true
	}
}

// IncludePolicy returns true if any rule of p may be selected.
func (f *Filter) IncludePolicy(p policy.Policy) bool {
	if f.excludePolicies[p.PolicyID] {
		return false
	}
	if len(f.includePolicies) == 0 && len(f.includeRules) == 0 {
		return true
	}
	if f.includePolicies[p.PolicyID] {
		return true
	}
	// a policy named only through one of its rules
	for key := range f.includeRules {
		if strings.HasPrefix(key, p.PolicyID+"/") {
			return true
		}
	}
	return false
}

// IncludeRule returns true if r of p passes the rule, type and severity filters.
func (f *Filter) IncludeRule(p policy.Policy, r policy.Rule) bool {
	key := p.PolicyID + "/" + r.RuleID
	if f.excludeRules[key] {
		return false
	}
	if len(f.includeRules) > 0 && !f.includePolicies[p.PolicyID] && !f.includeRules[key] {
		return false
	}
	if slices.ContainsFunc(r.ResourceTypes, func(t string) bool { return f.excludeTypes[t] }) {
		return false
	}
	return f.minSeverity == "" || r.Severity.Rank() >= f.minSeverity.Rank()
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.includePolicies) == 0 && len(f.includeRules) == 0 &&
		len(f.excludePolicies) == 0 && len(f.excludeRules) == 0 &&
		len(f.excludeTypes) == 0 && f.minSeverity == ""
}
