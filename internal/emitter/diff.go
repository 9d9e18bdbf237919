package emitter

import (
	"sort"
	"sync"

	"github.com/yairfalse/vahti/internal/engine"
)

// ChangeType classifies a violation change between two scans.
type ChangeType string

const (
	ChangeOpened   ChangeType = "opened"
	ChangeResolved ChangeType = "resolved"
)

// ViolationChange is one violation that appeared or disappeared.
type ViolationChange struct {
	Type      ChangeType
	Violation engine.Violation
	Target    string
}

type findingKey struct {
	policyID string
	target   string
	ruleID   string
	assetID  string
}

type finding struct {
	violation engine.Violation
	target    string
}

// DiffTracker tracks violations between scans and detects changes. Error
// violations carry no asset and are not tracked.
type DiffTracker struct {
	mu          sync.RWMutex
	previous    map[findingKey]finding
	initialized bool
}

// NewDiffTracker creates a new diff tracker.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		previous: make(map[findingKey]finding),
	}
}

// ComputeDiff compares current results against the previous scan.
// Returns nil on first scan (baseline establishment).
// Returns empty slice if no changes detected.
func (d *DiffTracker) ComputeDiff(current *engine.ScanResults) []ViolationChange {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	currentMap := indexFindings(current)
	changes := make([]ViolationChange, 0)
	for key, prev := range d.previous {
		if _, exists := currentMap[key]; !exists {
			changes = append(changes, ViolationChange{Type: ChangeResolved, Violation: prev.violation, Target: prev.target})
		}
	}
	for key, curr := range currentMap {
		if _, exists := d.previous[key]; !exists {
			changes = append(changes, ViolationChange{Type: ChangeOpened, Violation: curr.violation, Target: curr.target})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Violation.PolicyID != b.Violation.PolicyID {
			return a.Violation.PolicyID < b.Violation.PolicyID
		}
		if a.Violation.RuleID != b.Violation.RuleID {
			return a.Violation.RuleID < b.Violation.RuleID
		}
		return a.Violation.Asset() < b.Violation.Asset()
	})
	return changes
}

// Update stores the current results as the new baseline for future comparisons.
func (d *DiffTracker) Update(current *engine.ScanResults) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.previous = indexFindings(current)
	d.initialized = true
}

func indexFindings(results *engine.ScanResults) map[findingKey]finding {
	m := make(map[findingKey]finding)
	if results == nil {
		return m
	}
	for ctx, vs := range results.Violations {
		for _, v := range vs {
			if v.IsError() {
				continue
			}
			key := findingKey{policyID: ctx.PolicyID, target: ctx.Target, ruleID: v.RuleID, assetID: v.Asset()}
			m[key] = finding{violation: v, target: ctx.Target}
		}
	}
	return m
}
