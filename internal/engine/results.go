// Package engine evaluates a policy catalog against the asset snapshot:
// per-rule evaluation, bounded concurrent orchestration and result
// aggregation into a scan report.
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
)

// PolicyContext keys every result map: one policy evaluated against one scan
// target.
type PolicyContext struct {
	PolicyID string
	Target   string
}

// NewPolicyContext builds the context for a policy scanned within scope.
func NewPolicyContext(policyID string, scope store.Scope) PolicyContext {
	return PolicyContext{PolicyID: policyID, Target: scope.Key()}
}

func (c PolicyContext) String() string {
	return c.PolicyID + "@" + c.Target
}

func (c PolicyContext) less(o PolicyContext) bool {
	if c.PolicyID != o.PolicyID {
		return c.PolicyID < o.PolicyID
	}
	return c.Target < o.Target
}

// IgnoredReason says why a policy or rule was not evaluated.
type IgnoredReason int

const (
	ReasonDisabled IgnoredReason = iota + 1
	ReasonMissingAsset
	ReasonManualControl
)

func (r IgnoredReason) String() string {
	switch r {
	case ReasonDisabled:
		return "DISABLED"
	case ReasonMissingAsset:
		return "MISSING_ASSET"
	case ReasonManualControl:
		return "MANUAL_CONTROL"
	}
	return fmt.Sprintf("IgnoredReason(%d)", int(r))
}

// Description is the human readable explanation shown in reports.
func (r IgnoredReason) Description() string {
	switch r {
	case ReasonDisabled:
		return "Disabled in the policy bundle"
	case ReasonMissingAsset:
		return "No assets of the referenced type exist in the snapshot"
	case ReasonManualControl:
		return "Manual control, must be verified by an auditor"
	}
	return "Unknown reason"
}

// Valid reports whether r is one of the defined reasons.
func (r IgnoredReason) Valid() bool {
	switch r {
	case ReasonDisabled, ReasonMissingAsset, ReasonManualControl:
		return true
	}
	return false
}

func (r IgnoredReason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshal ignored reason %d: unknown value", int(r))
	}
	return []byte(r.String()), nil
}

func (r *IgnoredReason) UnmarshalText(text []byte) error {
	switch string(text) {
	case "DISABLED":
		*r = ReasonDisabled
	case "MISSING_ASSET":
		*r = ReasonMissingAsset
	case "MANUAL_CONTROL":
		*r = ReasonManualControl
	default:
		return fmt.Errorf("unknown ignored reason %q", text)
	}
	return nil
}

// Violation is one asset failing one rule, or, with Error set and no
// AssetID, a rule whose predicate could not be executed.
type Violation struct {
	PolicyID    string          `json:"policyId"`
	RuleID      string          `json:"ruleId"`
	AssetID     *string         `json:"assetId"`
	Severity    policy.Severity `json:"severity"`
	Info        map[string]any  `json:"info,omitempty"`
	Error       string          `json:"error,omitempty"`
	EvaluatedAt time.Time       `json:"evaluatedAt"`
}

// IsError reports whether the violation records an execution failure.
func (v Violation) IsError() bool {
	return v.Error != ""
}

// Asset returns the asset ID or "" for error violations.
func (v Violation) Asset() string {
	if v.AssetID == nil {
		return ""
	}
	return *v.AssetID
}

func (v Violation) clone() Violation {
	if v.AssetID != nil {
		id := *v.AssetID
		v.AssetID = &id
	}
	if v.Info != nil {
		info := make(map[string]any, len(v.Info))
		for k, val := range v.Info {
			info[k] = val
		}
		v.Info = info
	}
	return v
}

// IgnoredRule pairs a skipped rule with the reason.
type IgnoredRule struct {
	Rule   policy.Rule
	Reason IgnoredReason
}

// ScanResults is everything one scan produced. NumOfViolations always equals
// the total length of the Violations lists, and a context in IgnoredPolicies
// has no entries elsewhere.
type ScanResults struct {
	Violations      map[PolicyContext][]Violation
	IgnoredPolicies map[PolicyContext]IgnoredReason
	// IgnoredRules is keyed by rule ID within each context.
	IgnoredRules    map[PolicyContext]map[string]IgnoredRule
	NumOfViolations int
}

func newScanResults() *ScanResults {
	return &ScanResults{
		Violations:      make(map[PolicyContext][]Violation),
		IgnoredPolicies: make(map[PolicyContext]IgnoredReason),
		IgnoredRules:    make(map[PolicyContext]map[string]IgnoredRule),
	}
}

// Total counts the violations held in the map.
func (r *ScanResults) Total() int {
	n := 0
	for _, vs := range r.Violations {
		n += len(vs)
	}
	return n
}

// Errors counts violations that record execution failures.
func (r *ScanResults) Errors() int {
	n := 0
	for _, vs := range r.Violations {
		for _, v := range vs {
			if v.IsError() {
				n++
			}
		}
	}
	return n
}

// ViolationsFor returns all violations of a policy across targets.
func (r *ScanResults) ViolationsFor(policyID string) []Violation {
	var out []Violation
	for ctx, vs := range r.Violations {
		if ctx.PolicyID == policyID {
			out = append(out, vs...)
		}
	}
	return out
}

func (r *ScanResults) clone() *ScanResults {
	out := newScanResults()
	for ctx, vs := range r.Violations {
		cp := make([]Violation, len(vs))
		for i, v := range vs {
			cp[i] = v.clone()
		}
		out.Violations[ctx] = cp
	}
	for ctx, reason := range r.IgnoredPolicies {
		out.IgnoredPolicies[ctx] = reason
	}
	for ctx, rules := range r.IgnoredRules {
		cp := make(map[string]IgnoredRule, len(rules))
		for id, ir := range rules {
			cp[id] = IgnoredRule{Rule: ir.Rule.Clone(), Reason: ir.Reason}
		}
		out.IgnoredRules[ctx] = cp
	}
	out.NumOfViolations = r.NumOfViolations
	return out
}

type violationGroupJSON struct {
	PolicyID   string      `json:"policyId"`
	Target     string      `json:"target"`
	Violations []Violation `json:"violations"`
}

type ignoredPolicyJSON struct {
	PolicyID    string        `json:"policyId"`
	Target      string        `json:"target"`
	Reason      IgnoredReason `json:"reason"`
	Description string        `json:"description"`
}

type ignoredRuleJSON struct {
	PolicyID    string          `json:"policyId"`
	Target      string          `json:"target"`
	RuleID      string          `json:"ruleId"`
	RuleName    string          `json:"ruleName"`
	Severity    policy.Severity `json:"severity"`
	Reason      IgnoredReason   `json:"reason"`
	Description string          `json:"description"`
}

type scanResultsJSON struct {
	Violations      []violationGroupJSON `json:"violations"`
	IgnoredPolicies []ignoredPolicyJSON  `json:"ignoredPolicies"`
	IgnoredRules    []ignoredRuleJSON    `json:"ignoredRules"`
	NumOfViolations int                  `json:"numOfViolations"`
}

// MarshalJSON renders maps as lists sorted by policy, target, rule and asset
// so identical scans serialize identically.
func (r *ScanResults) MarshalJSON() ([]byte, error) {
	out := scanResultsJSON{
		Violations:      []violationGroupJSON{},
		IgnoredPolicies: []ignoredPolicyJSON{},
		IgnoredRules:    []ignoredRuleJSON{},
		NumOfViolations: r.NumOfViolations,
	}

	for _, ctx := range sortedContexts(r.Violations) {
		vs := make([]Violation, len(r.Violations[ctx]))
		copy(vs, r.Violations[ctx])
		sort.SliceStable(vs, func(i, j int) bool {
			if vs[i].RuleID != vs[j].RuleID {
				return vs[i].RuleID < vs[j].RuleID
			}
			return vs[i].Asset() < vs[j].Asset()
		})
		out.Violations = append(out.Violations, violationGroupJSON{PolicyID: ctx.PolicyID, Target: ctx.Target, Violations: vs})
	}

	for _, ctx := range sortedContexts(r.IgnoredPolicies) {
		reason := r.IgnoredPolicies[ctx]
		out.IgnoredPolicies = append(out.IgnoredPolicies, ignoredPolicyJSON{
			PolicyID: ctx.PolicyID, Target: ctx.Target, Reason: reason, Description: reason.Description(),
		})
	}

	for _, ctx := range sortedContexts(r.IgnoredRules) {
		rules := r.IgnoredRules[ctx]
		ids := make([]string, 0, len(rules))
		for id := range rules {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ir := rules[id]
			out.IgnoredRules = append(out.IgnoredRules, ignoredRuleJSON{
				PolicyID:    ctx.PolicyID,
				Target:      ctx.Target,
				RuleID:      id,
				RuleName:    ir.Rule.RuleName,
				Severity:    ir.Rule.Severity,
				Reason:      ir.Reason,
				Description: ir.Reason.Description(),
			})
		}
	}

	return json.Marshal(out)
}

func sortedContexts[V any](m map[PolicyContext]V) []PolicyContext {
	keys := make([]PolicyContext, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// ScanMetadata is the wall-clock bookkeeping of one scan.
type ScanMetadata struct {
	ScanID         string        `json:"scanId"`
	StartDateTime  time.Time     `json:"startDateTime"`
	EndDateTime    time.Time     `json:"endDateTime"`
	Duration       time.Duration `json:"-"`
	Target         string        `json:"target"`
	Cancelled      bool          `json:"cancelled"`
	CancelReason   string        `json:"cancelReason,omitempty"`
	RulesTotal     int           `json:"rulesTotal"`
	RulesCompleted int           `json:"rulesCompleted"`
	RulesPending   int           `json:"rulesPending"`
}

// MarshalJSON adds the duration as a Go duration string and in milliseconds.
func (m ScanMetadata) MarshalJSON() ([]byte, error) {
	type alias ScanMetadata
	return json.Marshal(struct {
		alias
		Duration   string `json:"duration"`
		DurationMs int64  `json:"durationMs"`
	}{
		alias:      alias(m),
		Duration:   m.Duration.String(),
		DurationMs: m.Duration.Milliseconds(),
	})
}

// Report is the serialized outcome of a scan.
type Report struct {
	Metadata ScanMetadata `json:"metadata"`
	Results  *ScanResults `json:"results"`
}
