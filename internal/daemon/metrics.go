package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions.
// A nil *DaemonMetrics records nothing.
type DaemonMetrics struct {
	scanCycles        metric.Int64Counter
	scanCycleDuration metric.Float64Histogram
	catalogPolicies   metric.Int64Gauge
	catalogRules      metric.Int64Gauge
	emits             metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider.
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("vahti.daemon"))
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	return newDaemonMetrics(provider.Meter("vahti.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	scanCycles, err := meter.Int64Counter(
		"vahti.daemon.scans",
		metric.WithDescription("Number of scan cycles run"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	scanCycleDuration, err := meter.Float64Histogram(
		"vahti.daemon.scan.duration",
		metric.WithDescription("Duration of scan cycles including catalog load and emit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	catalogPolicies, err := meter.Int64Gauge(
		"vahti.catalog.policies",
		metric.WithDescription("Number of policies in the loaded catalog"),
		metric.WithUnit("{policy}"),
	)
	if err != nil {
		return nil, err
	}

	catalogRules, err := meter.Int64Gauge(
		"vahti.catalog.rules",
		metric.WithDescription("Number of rules in the loaded catalog"),
		metric.WithUnit("{rule}"),
	)
	if err != nil {
		return nil, err
	}

	emits, err := meter.Int64Counter(
		"vahti.daemon.emits",
		metric.WithDescription("Number of report emits"),
		metric.WithUnit("{emit}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		scanCycles:        scanCycles,
		scanCycleDuration: scanCycleDuration,
		catalogPolicies:   catalogPolicies,
		catalogRules:      catalogRules,
		emits:             emits,
	}, nil
}

// RecordScanCycle records a scan cycle with status
func (m *DaemonMetrics) RecordScanCycle(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.scanCycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordScanCycleDuration records scan cycle duration
func (m *DaemonMetrics) RecordScanCycleDuration(ctx context.Context, durationSeconds float64, status string) {
	if m == nil {
		return
	}
	m.scanCycleDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordCatalogSize records the size of the catalog a cycle scanned with
func (m *DaemonMetrics) RecordCatalogSize(ctx context.Context, policies, rules int) {
	if m == nil {
		return
	}
	m.catalogPolicies.Record(ctx, int64(policies))
	m.catalogRules.Record(ctx, int64(rules))
}

// RecordEmit records a report emit
func (m *DaemonMetrics) RecordEmit(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.emits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
