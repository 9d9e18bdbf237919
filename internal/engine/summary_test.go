package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
)

func TestSummarize(t *testing.T) {
	withViolations := &Report{Results: newScanResults()}
	ctx := NewPolicyContext("CIS-AWS", store.Scope{})
	withViolations.Results.Violations[ctx] = []Violation{
		{PolicyID: "CIS-AWS", RuleID: "r1", AssetID: strPtr("a"), Severity: policy.SeverityHigh},
		{PolicyID: "CIS-AWS", RuleID: "r2", Error: "boom"},
	}
	withViolations.Results.NumOfViolations = 2

	partial := &Report{Results: newScanResults(), Metadata: ScanMetadata{Cancelled: true}}

	loadErr := &policy.LoadError{Problems: []policy.Problem{{PolicyID: "CIS-AWS", Message: "duplicate policyId"}}}

	tests := []struct {
		name   string
		report *Report
		err    error
		want   Summary
		exit   int
	}{
		{"clean", &Report{Results: newScanResults()}, nil, Summary{}, ExitClean},
		{"violations", withViolations, nil, Summary{NumOfViolations: 2, Errors: 1}, ExitViolations},
		{"partial clean", partial, nil, Summary{Partial: true}, ExitClean},
		{"load error", nil, loadErr, Summary{HadFatalError: true}, ExitFatal},
		{"other error", withViolations, errors.New("open store"), Summary{HadFatalError: true}, ExitFatal},
		{"missing report", nil, nil, Summary{HadFatalError: true}, ExitFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.report, tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.exit, got.ExitCode())
		})
	}
}
