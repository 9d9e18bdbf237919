package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
)

func strPtr(s string) *string { return &s }

func TestIgnoredReason(t *testing.T) {
	for _, r := range []IgnoredReason{ReasonDisabled, ReasonMissingAsset, ReasonManualControl} {
		assert.True(t, r.Valid())
		assert.NotEqual(t, "Unknown reason", r.Description())

		text, err := r.MarshalText()
		require.NoError(t, err)

		var back IgnoredReason
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, r, back)
	}

	assert.Equal(t, "MISSING_ASSET", ReasonMissingAsset.String())
	assert.False(t, IgnoredReason(0).Valid())
	_, err := IgnoredReason(9).MarshalText()
	assert.Error(t, err)

	var r IgnoredReason
	assert.Error(t, r.UnmarshalText([]byte("SKIPPED")))
}

func TestPolicyContext(t *testing.T) {
	all := NewPolicyContext("CIS-AWS", store.Scope{})
	assert.Equal(t, "CIS-AWS@*", all.String())

	scoped := NewPolicyContext("CIS-AWS", store.Scope{Accounts: []string{"111"}})
	assert.NotEqual(t, all, scoped)
	assert.Equal(t, NewPolicyContext("CIS-AWS", store.Scope{Accounts: []string{"111", "111"}}), scoped)
}

func TestViolation_JSON(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	data, err := json.Marshal(Violation{PolicyID: "p", RuleID: "r", Severity: policy.SeverityHigh, Error: "boom", EvaluatedAt: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"policyId":"p","ruleId":"r","assetId":null,"severity":"HIGH","error":"boom","evaluatedAt":"2026-10-01T12:00:00Z"}`, string(data))

	data, err = json.Marshal(Violation{PolicyID: "p", RuleID: "r", AssetID: strPtr("arn:1"), Severity: policy.SeverityLow, Info: map[string]any{"acl": "public"}, EvaluatedAt: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"policyId":"p","ruleId":"r","assetId":"arn:1","severity":"LOW","info":{"acl":"public"},"evaluatedAt":"2026-10-01T12:00:00Z"}`, string(data))
}

func TestScanResults_MarshalJSONDeterministic(t *testing.T) {
	a := NewPolicyContext("A", store.Scope{})
	b := NewPolicyContext("B", store.Scope{})
	c := NewPolicyContext("C", store.Scope{})

	build := func(reverse bool) *ScanResults {
		r := newScanResults()
		vs := []Violation{
			{PolicyID: "A", RuleID: "r2", AssetID: strPtr("z")},
			{PolicyID: "A", RuleID: "r1", AssetID: strPtr("y")},
			{PolicyID: "A", RuleID: "r1", AssetID: strPtr("x")},
		}
		if reverse {
			vs[0], vs[2] = vs[2], vs[0]
		}
		r.Violations[a] = vs
		r.IgnoredPolicies[c] = ReasonDisabled
		r.IgnoredRules[b] = map[string]IgnoredRule{
			"m": {Rule: policy.Rule{RuleID: "m", RuleName: "manual", Severity: policy.SeverityLow}, Reason: ReasonManualControl},
			"g": {Rule: policy.Rule{RuleID: "g", RuleName: "gone", Severity: policy.SeverityHigh}, Reason: ReasonMissingAsset},
		}
		r.NumOfViolations = r.Total()
		return r
	}

	first, err := json.Marshal(build(false))
	require.NoError(t, err)
	second, err := json.Marshal(build(true))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	var out struct {
		Violations []struct {
			PolicyID   string `json:"policyId"`
			Violations []struct {
				RuleID  string `json:"ruleId"`
				AssetID string `json:"assetId"`
			} `json:"violations"`
		} `json:"violations"`
		IgnoredPolicies []struct {
			PolicyID string `json:"policyId"`
			Reason   string `json:"reason"`
		} `json:"ignoredPolicies"`
		IgnoredRules []struct {
			RuleID      string `json:"ruleId"`
			Reason      string `json:"reason"`
			Description string `json:"description"`
		} `json:"ignoredRules"`
		NumOfViolations int `json:"numOfViolations"`
	}
	require.NoError(t, json.Unmarshal(first, &out))

	require.Len(t, out.Violations, 1)
	got := out.Violations[0].Violations
	require.Len(t, got, 3)
	assert.Equal(t, []string{"r1/x", "r1/y", "r2/z"}, []string{
		got[0].RuleID + "/" + got[0].AssetID,
		got[1].RuleID + "/" + got[1].AssetID,
		got[2].RuleID + "/" + got[2].AssetID,
	})
	require.Len(t, out.IgnoredPolicies, 1)
	assert.Equal(t, "DISABLED", out.IgnoredPolicies[0].Reason)
	require.Len(t, out.IgnoredRules, 2)
	assert.Equal(t, "g", out.IgnoredRules[0].RuleID)
	assert.Equal(t, "MISSING_ASSET", out.IgnoredRules[0].Reason)
	assert.Equal(t, ReasonMissingAsset.Description(), out.IgnoredRules[0].Description)
	assert.Equal(t, 3, out.NumOfViolations)
}

func TestScanResults_EmptyJSON(t *testing.T) {
	data, err := json.Marshal(newScanResults())
	require.NoError(t, err)
	assert.JSONEq(t, `{"violations":[],"ignoredPolicies":[],"ignoredRules":[],"numOfViolations":0}`, string(data))
}

func TestScanResults_Counts(t *testing.T) {
	r := newScanResults()
	r.Violations[NewPolicyContext("A", store.Scope{})] = []Violation{
		{PolicyID: "A", RuleID: "r1", AssetID: strPtr("x")},
		{PolicyID: "A", RuleID: "r2", Error: "bad predicate"},
	}
	r.Violations[NewPolicyContext("A", store.Scope{Regions: []string{"eu-west-1"}})] = []Violation{
		{PolicyID: "A", RuleID: "r1", AssetID: strPtr("y")},
	}

	assert.Equal(t, 3, r.Total())
	assert.Equal(t, 1, r.Errors())
	assert.Len(t, r.ViolationsFor("A"), 3)
	assert.Empty(t, r.ViolationsFor("B"))
}

func TestScanMetadata_JSON(t *testing.T) {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(ScanMetadata{
		ScanID:        "scan-1",
		StartDateTime: start,
		EndDateTime:   start.Add(1500 * time.Millisecond),
		Duration:      1500 * time.Millisecond,
		Target:        "*",
		RulesTotal:    3,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "1.5s", m["duration"])
	assert.EqualValues(t, 1500, m["durationMs"])
	assert.Equal(t, "scan-1", m["scanId"])
	assert.Equal(t, false, m["cancelled"])
	assert.NotContains(t, m, "cancelReason")
}
