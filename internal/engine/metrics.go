package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Rule outcomes as reported on vahti.rules.evaluated
const (
	OutcomeViolations = "violations"
	OutcomeClean      = "clean"
	OutcomeError      = "error"
	OutcomeIgnored    = "ignored"
)

// Metrics holds scan metrics using OTEL semantic conventions. A nil
// *Metrics records nothing.
type Metrics struct {
	scanDuration   metric.Float64Histogram
	scanRuns       metric.Int64Counter
	rulesEvaluated metric.Int64Counter
	violations     metric.Int64Counter
	storeQueries   metric.Int64Counter
}

// NewMetrics creates scan metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("vahti.engine"))
}

// NewMetricsWithMeter creates scan metrics on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	scanDuration, err := meter.Float64Histogram(
		"vahti.scan.duration",
		metric.WithDescription("Duration of policy scans"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	scanRuns, err := meter.Int64Counter(
		"vahti.scan.runs",
		metric.WithDescription("Number of policy scans"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	rulesEvaluated, err := meter.Int64Counter(
		"vahti.rules.evaluated",
		metric.WithDescription("Number of rule evaluations by outcome"),
		metric.WithUnit("{rule}"),
	)
	if err != nil {
		return nil, err
	}

	violations, err := meter.Int64Counter(
		"vahti.violations",
		metric.WithDescription("Number of violations found"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}

	storeQueries, err := meter.Int64Counter(
		"vahti.store.queries",
		metric.WithDescription("Number of asset store calls"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		scanDuration:   scanDuration,
		scanRuns:       scanRuns,
		rulesEvaluated: rulesEvaluated,
		violations:     violations,
		storeQueries:   storeQueries,
	}, nil
}

// RecordScan records one finished scan.
func (m *Metrics) RecordScan(ctx context.Context, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.scanRuns.Add(ctx, 1, attrs)
	m.scanDuration.Record(ctx, durationSeconds, attrs)
}

// RecordRule records one rule outcome.
func (m *Metrics) RecordRule(ctx context.Context, policyID, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("policy.id", policyID),
		attribute.String("outcome", outcome),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.rulesEvaluated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordViolations records violations of one rule.
func (m *Metrics) RecordViolations(ctx context.Context, policyID, severity string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.violations.Add(ctx, int64(count),
		metric.WithAttributes(
			attribute.String("policy.id", policyID),
			attribute.String("severity", severity),
		),
	)
}

// RecordStoreQuery records one gateway call.
func (m *Metrics) RecordStoreQuery(ctx context.Context, operation, status string) {
	if m == nil {
		return
	}
	m.storeQueries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}
