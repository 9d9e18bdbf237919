// Package policy holds the compliance policy model and the validated catalog
// a scan runs against.
package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Severity of a rule violation
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// ParseSeverity accepts any casing of HIGH, MEDIUM and LOW.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank orders severities, higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Language identifies the dialect a predicate is written in
type Language string

const (
	LanguageSQL  Language = "sql"
	LanguageRego Language = "rego"
)

// Predicate is the opaque query a rule hands to the asset store.
type Predicate struct {
	Language Language
	Text     string
	// Tables are the asset tables the predicate reads.
	Tables []string
}

// RuleTypeAsset is the only rule type the engine evaluates.
const RuleTypeAsset = "asset"

// Rule is one compliance check. Rules are values: a catalog hands out copies.
type Rule struct {
	ID                 string   `json:"id,omitempty"`
	RuleID             string   `json:"ruleId"`
	RuleName           string   `json:"ruleName"`
	Type               string   `json:"type"`
	Description        string   `json:"description,omitempty"`
	Severity           Severity `json:"severity"`
	Enabled            bool     `json:"enabled"`
	ManualControl      bool     `json:"manualControl"`
	SQL                string   `json:"sql,omitempty"`
	Eval               string   `json:"eval,omitempty"`
	Remediation        string   `json:"remediation,omitempty"`
	RemediationDocURLs []string `json:"remediationDocURLs,omitempty"`
	// ResourceTypes lists the asset tables the predicate reads.
	ResourceTypes []string `json:"resourceTypes"`
	Version       string   `json:"version,omitempty"`
}

// Predicate returns whichever of sql or eval the rule carries.
func (r Rule) Predicate() Predicate {
	if r.SQL != "" {
		return Predicate{Language: LanguageSQL, Text: r.SQL, Tables: slices.Clone(r.ResourceTypes)}
	}
	return Predicate{Language: LanguageRego, Text: r.Eval, Tables: slices.Clone(r.ResourceTypes)}
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	r.RemediationDocURLs = slices.Clone(r.RemediationDocURLs)
	r.ResourceTypes = slices.Clone(r.ResourceTypes)
	return r
}

// Policy is a named, versioned collection of rules.
type Policy struct {
	ID          string `json:"id,omitempty"`
	PolicyID    string `json:"policyId"`
	PolicyName  string `json:"policyName"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Version     string `json:"version,omitempty"`
	Rules       []Rule `json:"rules"`
	// Source is the bundle file the policy was loaded from.
	Source string `json:"-"`
}

// Clone returns a deep copy of the policy and its rules.
func (p Policy) Clone() Policy {
	rules := make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		rules[i] = r.Clone()
	}
	p.Rules = rules
	return p
}

// Rule looks up a rule by ID.
func (p Policy) Rule(ruleID string) (Rule, bool) {
	for _, r := range p.Rules {
		if r.RuleID == ruleID {
			return r.Clone(), true
		}
	}
	return Rule{}, false
}
