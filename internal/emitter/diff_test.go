package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/store"
)

func TestDiffTracker_FirstScan(t *testing.T) {
	tracker := NewDiffTracker()
	results := testReport("scan-1", "arn:1", "arn:2").Results

	// First scan should return nil (no diffs on baseline)
	changes := tracker.ComputeDiff(results)
	assert.Nil(t, changes, "first scan should return nil")

	tracker.Update(results)
}

func TestDiffTracker_NoChanges(t *testing.T) {
	tracker := NewDiffTracker()
	results := testReport("scan-1", "arn:1", "arn:2").Results

	tracker.ComputeDiff(results)
	tracker.Update(results)

	changes := tracker.ComputeDiff(testReport("scan-2", "arn:2", "arn:1").Results)
	require.NotNil(t, changes)
	assert.Empty(t, changes, "identical violations should produce no changes")
}

func TestDiffTracker_OpenedAndResolved(t *testing.T) {
	tracker := NewDiffTracker()
	tracker.Update(testReport("scan-1", "arn:1", "arn:2").Results)

	changes := tracker.ComputeDiff(testReport("scan-2", "arn:2", "arn:3").Results)

	require.Len(t, changes, 2)
	assert.Equal(t, ChangeResolved, changes[0].Type)
	assert.Equal(t, "arn:1", changes[0].Violation.Asset())
	assert.Equal(t, ChangeOpened, changes[1].Type)
	assert.Equal(t, "arn:3", changes[1].Violation.Asset())
	assert.Equal(t, "*", changes[1].Target)
}

func TestDiffTracker_ErrorsNotTracked(t *testing.T) {
	tracker := NewDiffTracker()
	tracker.Update(testReport("scan-1").Results)

	// the error violation of iam-broken is present in both scans but never diffed
	changes := tracker.ComputeDiff(&engine.ScanResults{})
	assert.Empty(t, changes)
}

func TestDiffTracker_TargetsAreDistinct(t *testing.T) {
	tracker := NewDiffTracker()
	tracker.Update(testReport("scan-1", "arn:1").Results)

	moved := testReport("scan-2").Results
	eu := engine.NewPolicyContext("CIS-AWS", store.Scope{Regions: []string{"eu-west-1"}})
	moved.Violations[eu] = []engine.Violation{{PolicyID: "CIS-AWS", RuleID: "s3-public", AssetID: asset("arn:1")}}

	changes := tracker.ComputeDiff(moved)
	require.Len(t, changes, 2)
	targets := []string{changes[0].Target, changes[1].Target}
	assert.ElementsMatch(t, []string{"*", eu.Target}, targets)
}

func TestDiffTracker_NilResults(t *testing.T) {
	tracker := NewDiffTracker()
	tracker.Update(nil)
	assert.Empty(t, tracker.ComputeDiff(nil))
}
