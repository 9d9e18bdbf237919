package emitter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestPrometheus(t *testing.T) (*PrometheusEmitter, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e, err := NewPrometheusEmitterWithMeter(provider.Meter("vahti"))
	require.NoError(t, err)
	return e, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
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

func attr(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestPrometheusEmitter_NilReport(t *testing.T) {
	e, _ := newTestPrometheus(t)
	assert.Error(t, e.Emit(context.Background(), nil))
}

func TestPrometheusEmitter_Gauges(t *testing.T) {
	e, reader := newTestPrometheus(t)
	require.NoError(t, e.Emit(context.Background(), testReport("scan-1", "arn:1", "arn:2")))

	got := collectMetrics(t, reader)

	gauge, ok := got["vahti_policy_violations"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1, "error violations are not part of the gauge")
	dp := gauge.DataPoints[0]
	assert.Equal(t, int64(2), dp.Value)
	assert.Equal(t, "CIS-AWS", attr(dp.Attributes, "policy_id"))
	assert.Equal(t, "HIGH", attr(dp.Attributes, "severity"))

	ignored, ok := got["vahti_rules_ignored"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	levels := make(map[string]string)
	for _, dp := range ignored.DataPoints {
		levels[attr(dp.Attributes, "level")] = attr(dp.Attributes, "reason")
	}
	assert.Equal(t, map[string]string{"rule": "MANUAL_CONTROL", "policy": "DISABLED"}, levels)

	assert.Equal(t, int64(2), counterTotal(t, got["vahti_scan_violations_total"]))
	assert.Equal(t, int64(1), counterTotal(t, got["vahti_scan_errors_total"]))
	assert.NotContains(t, got, "vahti_violation_changes_total", "first scan only sets the baseline")
}

func TestPrometheusEmitter_Changes(t *testing.T) {
	e, reader := newTestPrometheus(t)
	ctx := context.Background()
	require.NoError(t, e.Emit(ctx, testReport("scan-1", "arn:1", "arn:2")))
	require.NoError(t, e.Emit(ctx, testReport("scan-2", "arn:2", "arn:3")))

	got := collectMetrics(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, got["vahti_violation_changes_total"]))

	sum := got["vahti_violation_changes_total"].Data.(metricdata.Sum[int64])
	types := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		types[attr(dp.Attributes, "change_type")] += dp.Value
	}
	assert.Equal(t, map[string]int64{"opened": 1, "resolved": 1}, types)
}

func TestPrometheusEmitter_CancelledScanKeepsBaseline(t *testing.T) {
	e, reader := newTestPrometheus(t)
	ctx := context.Background()
	require.NoError(t, e.Emit(ctx, testReport("scan-1", "arn:1", "arn:2")))

	partial := testReport("scan-2")
	partial.Metadata.Cancelled = true
	require.NoError(t, e.Emit(ctx, partial))

	require.NoError(t, e.Emit(ctx, testReport("scan-3", "arn:1", "arn:2")))

	got := collectMetrics(t, reader)
	assert.NotContains(t, got, "vahti_violation_changes_total")
}
