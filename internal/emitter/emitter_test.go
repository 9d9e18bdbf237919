package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	reports    []*engine.Report
}

func (m *mockEmitter) Emit(_ context.Context, report *engine.Report) error {
	m.emitCalls++
	m.reports = append(m.reports, report)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func asset(s string) *string { return &s }

var cisAWS = engine.NewPolicyContext("CIS-AWS", store.Scope{})

// testReport builds a report whose violations are the given asset IDs of
// rule s3-public, plus one execution error.
func testReport(scanID string, assets ...string) *engine.Report {
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	vs := make([]engine.Violation, 0, len(assets)+1)
	for _, a := range assets {
		vs = append(vs, engine.Violation{PolicyID: "CIS-AWS", RuleID: "s3-public", AssetID: asset(a), Severity: policy.SeverityHigh, EvaluatedAt: at})
	}
	vs = append(vs, engine.Violation{PolicyID: "CIS-AWS", RuleID: "iam-broken", Severity: policy.SeverityLow, Error: "boom", EvaluatedAt: at})

	return &engine.Report{
		Metadata: engine.ScanMetadata{
			ScanID:         scanID,
			StartDateTime:  at,
			EndDateTime:    at.Add(2 * time.Second),
			Duration:       2 * time.Second,
			Target:         "*",
			RulesTotal:     3,
			RulesCompleted: 3,
		},
		Results: &engine.ScanResults{
			Violations: map[engine.PolicyContext][]engine.Violation{cisAWS: vs},
			IgnoredPolicies: map[engine.PolicyContext]engine.IgnoredReason{
				engine.NewPolicyContext("CIS-OFF", store.Scope{}): engine.ReasonDisabled,
			},
			IgnoredRules: map[engine.PolicyContext]map[string]engine.IgnoredRule{
				cisAWS: {"s3-manual": {Rule: policy.Rule{RuleID: "s3-manual"}, Reason: engine.ReasonManualControl}},
			},
			NumOfViolations: len(vs),
		},
	}
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), testReport("scan-1", "arn:1"))

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	assert.Len(t, e1.reports, 1)
	assert.Len(t, e2.reports, 1)
	assert.Equal(t, 2, multi.Len())
}

func TestMultiEmitter_Emit_Error(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), testReport("scan-1"))

	assert.ErrorContains(t, err, "emit failed")
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls) // Remaining sinks still get the report
}

func TestMultiEmitter_Emit_NilReport(t *testing.T) {
	e1 := &mockEmitter{}
	multi := NewMultiEmitter(e1)

	assert.Error(t, multi.Emit(context.Background(), nil))
	assert.Equal(t, 0, e1.emitCalls)
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	require.NoError(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Close_Error(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	assert.ErrorContains(t, err, "close failed")
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Empty(t *testing.T) {
	multi := NewMultiEmitter()

	err := multi.Emit(context.Background(), testReport("scan-1"))
	require.NoError(t, err)

	err = multi.Close()
	require.NoError(t, err)
}
