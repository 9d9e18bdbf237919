package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumBy(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_Names(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(provider.Meter("vahti.engine"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordScan(ctx, StatusCompleted, 1.5)
	m.RecordRule(ctx, "CIS-AWS", OutcomeIgnored, ReasonManualControl.String())
	m.RecordViolations(ctx, "CIS-AWS", "HIGH", 3)
	m.RecordViolations(ctx, "CIS-AWS", "LOW", 0)
	m.RecordStoreQuery(ctx, "query", "success")

	got := collect(t, reader)
	for _, name := range []string{"vahti.scan.duration", "vahti.scan.runs", "vahti.rules.evaluated", "vahti.violations", "vahti.store.queries"} {
		assert.Contains(t, got, name)
	}
	assert.Equal(t, int64(3), sumBy(t, got["vahti.violations"], "severity", "HIGH"))
	assert.Equal(t, int64(0), sumBy(t, got["vahti.violations"], "severity", "LOW"))
	assert.Equal(t, int64(1), sumBy(t, got["vahti.rules.evaluated"], "reason", "MANUAL_CONTROL"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordScan(ctx, StatusCompleted, 1)
		m.RecordRule(ctx, "p", OutcomeClean, "")
		m.RecordViolations(ctx, "p", "HIGH", 1)
		m.RecordStoreQuery(ctx, "query", "error")
	})
}

func TestMetrics_ScanOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(provider.Meter("vahti.engine"))
	require.NoError(t, err)

	gw := newMockGateway("aws_s3_bucket")
	gw.rows[publicBucketsSQL] = []store.Row{{"assetId": "a"}, {"assetId": "b"}}
	gw.errs["select arn as assetId from aws_s3_bucket where broken"] = errors.New("boom")

	manual := bundleRule("manual", publicBucketsSQL)
	manual.ManualControl = true
	catalog := mustCatalog(t, policy.Bundle{
		PolicyID:   "CIS-AWS",
		PolicyName: "CIS",
		Rules: []policy.BundleRule{
			bundleRule("public", publicBucketsSQL),
			bundleRule("broken", "select arn as assetId from aws_s3_bucket where broken"),
			manual,
		},
	})

	_, err = NewOrchestrator(gw, testOptions(Options{Metrics: m})).Run(context.Background(), catalog, store.Scope{})
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumBy(t, got["vahti.scan.runs"], "status", StatusCompleted))
	rules := got["vahti.rules.evaluated"]
	assert.Equal(t, int64(1), sumBy(t, rules, "outcome", OutcomeViolations))
	assert.Equal(t, int64(1), sumBy(t, rules, "outcome", OutcomeError))
	assert.Equal(t, int64(1), sumBy(t, rules, "outcome", OutcomeIgnored))
	assert.Equal(t, int64(1), sumBy(t, got["vahti.store.queries"], "status", "error"))
	// the error violation counts alongside the two asset violations
	assert.Equal(t, int64(3), sumBy(t, got["vahti.violations"], "policy.id", "CIS-AWS"))
}
