package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/telemetry"
)

var (
	// ErrFinalized is returned for writes arriving after Finalize.
	ErrFinalized = errors.New("results already finalized")
	// ErrPolicyIgnored is returned for rule results of an ignored policy.
	ErrPolicyIgnored = errors.New("policy context is ignored")
	// ErrDuplicateOutcome is returned when a rule's outcome is recorded twice.
	ErrDuplicateOutcome = errors.New("rule outcome already recorded")
)

// Aggregator collects evaluation outcomes from concurrent workers. A single
// mutex serializes all writes, so every write is linearizable.
type Aggregator struct {
	mu        sync.Mutex
	results   *ScanResults
	outcomes  map[PolicyContext]map[string]bool
	finalized bool
	dropped   int
	logger    *telemetry.Logger
}

// NewAggregator returns an empty aggregator.
func NewAggregator(logger *telemetry.Logger) *Aggregator {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Aggregator{
		results:  newScanResults(),
		outcomes: make(map[PolicyContext]map[string]bool),
		logger:   logger,
	}
}

// RecordViolation appends one violation.
func (a *Aggregator) RecordViolation(ctx PolicyContext, v Violation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkWritable(ctx); err != nil {
		return a.reject(ctx, v.RuleID, err)
	}
	if a.outcomes[ctx][v.RuleID] && a.ignoredRule(ctx, v.RuleID) {
		return a.reject(ctx, v.RuleID, ErrDuplicateOutcome)
	}

	a.results.Violations[ctx] = append(a.results.Violations[ctx], v.clone())
	a.results.NumOfViolations++
	return nil
}

// RecordViolations records the complete outcome of one executed rule: all of
// its violations or, for a clean rule, none. Either every violation is stored
// or none is.
func (a *Aggregator) RecordViolations(ctx PolicyContext, ruleID string, vs []Violation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkWritable(ctx); err != nil {
		return a.reject(ctx, ruleID, err)
	}
	if a.outcomes[ctx][ruleID] {
		return a.reject(ctx, ruleID, ErrDuplicateOutcome)
	}
	for _, v := range vs {
		if v.RuleID != ruleID || v.PolicyID != ctx.PolicyID {
			return fmt.Errorf("record violations for %s/%s: violation belongs to %s/%s", ctx, ruleID, v.PolicyID, v.RuleID)
		}
	}

	a.markOutcome(ctx, ruleID)
	if len(vs) == 0 {
		return nil
	}
	list := a.results.Violations[ctx]
	for _, v := range vs {
		list = append(list, v.clone())
	}
	a.results.Violations[ctx] = list
	a.results.NumOfViolations += len(vs)
	return nil
}

// RecordIgnoredPolicy marks a whole policy context as not evaluated. The
// context must not hold any rule results.
func (a *Aggregator) RecordIgnoredPolicy(ctx PolicyContext, reason IgnoredReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return a.reject(ctx, "", ErrFinalized)
	}
	if !reason.Valid() {
		return fmt.Errorf("record ignored policy %s: invalid reason %d", ctx, int(reason))
	}
	if _, ok := a.results.IgnoredPolicies[ctx]; ok {
		return a.reject(ctx, "", ErrDuplicateOutcome)
	}
	if len(a.results.Violations[ctx]) > 0 || len(a.results.IgnoredRules[ctx]) > 0 || len(a.outcomes[ctx]) > 0 {
		return fmt.Errorf("record ignored policy %s: context already has rule results", ctx)
	}

	a.results.IgnoredPolicies[ctx] = reason
	return nil
}

// RecordIgnoredRule records why a rule was skipped.
func (a *Aggregator) RecordIgnoredRule(ctx PolicyContext, rule policy.Rule, reason IgnoredReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkWritable(ctx); err != nil {
		return a.reject(ctx, rule.RuleID, err)
	}
	if !reason.Valid() {
		return fmt.Errorf("record ignored rule %s/%s: invalid reason %d", ctx, rule.RuleID, int(reason))
	}
	if a.outcomes[ctx][rule.RuleID] {
		return a.reject(ctx, rule.RuleID, ErrDuplicateOutcome)
	}

	rules, ok := a.results.IgnoredRules[ctx]
	if !ok {
		rules = make(map[string]IgnoredRule)
		a.results.IgnoredRules[ctx] = rules
	}
	rules[rule.RuleID] = IgnoredRule{Rule: rule.Clone(), Reason: reason}
	a.markOutcome(ctx, rule.RuleID)
	return nil
}

// Finalize freezes the aggregator and returns a copy of the results. Later
// writes fail with ErrFinalized. Calling it again returns another copy.
func (a *Aggregator) Finalize() *ScanResults {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalized = true
	out := a.results.clone()
	out.NumOfViolations = out.Total()
	return out
}

// Completed returns how many rule outcomes have been recorded.
func (a *Aggregator) Completed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, rules := range a.outcomes {
		n += len(rules)
	}
	return n
}

// Dropped counts writes rejected after Finalize.
func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Aggregator) checkWritable(ctx PolicyContext) error {
	if a.finalized {
		return ErrFinalized
	}
	if _, ignored := a.results.IgnoredPolicies[ctx]; ignored {
		return ErrPolicyIgnored
	}
	return nil
}

func (a *Aggregator) ignoredRule(ctx PolicyContext, ruleID string) bool {
	_, ok := a.results.IgnoredRules[ctx][ruleID]
	return ok
}

func (a *Aggregator) markOutcome(ctx PolicyContext, ruleID string) {
	rules, ok := a.outcomes[ctx]
	if !ok {
		rules = make(map[string]bool)
		a.outcomes[ctx] = rules
	}
	rules[ruleID] = true
}

// reject logs and returns err. Caller holds a.mu.
func (a *Aggregator) reject(ctx PolicyContext, ruleID string, err error) error {
	if errors.Is(err, ErrFinalized) {
		a.dropped++
		a.logger.Warn().
			Str("policy_id", ctx.PolicyID).
			Str("target", ctx.Target).
			Str("rule_id", ruleID).
			Msg("late result dropped after finalize")
	}
	return fmt.Errorf("record %s/%s: %w", ctx, ruleID, err)
}
