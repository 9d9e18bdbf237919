package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vahti/internal/engine"
)

// PrometheusEmitter emits report metrics in Prometheus format via OTEL.
type PrometheusEmitter struct {
	meter metric.Meter

	// Metrics
	violationsGauge       metric.Int64ObservableGauge
	ignoredGauge          metric.Int64ObservableGauge
	scanDuration          metric.Float64Histogram
	scanViolationsTotal   metric.Int64Counter
	scanErrorsTotal       metric.Int64Counter
	violationChangesTotal metric.Int64Counter

	// State for observable gauges
	mu     sync.RWMutex
	latest *engine.ScanResults

	// Diff tracking
	diffTracker *DiffTracker
}

// NewPrometheusEmitter creates a Prometheus emitter on the global meter provider.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return NewPrometheusEmitterWithMeter(otel.Meter("vahti"))
}

// NewPrometheusEmitterWithMeter creates a Prometheus emitter on meter.
func NewPrometheusEmitterWithMeter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:       meter,
		diffTracker: NewDiffTracker(),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	// Open violations per policy, target and severity
	e.violationsGauge, err = e.meter.Int64ObservableGauge(
		"vahti_policy_violations",
		metric.WithDescription("Open violations of the latest scan"),
		metric.WithInt64Callback(e.observeViolations),
	)
	if err != nil {
		return fmt.Errorf("create policy_violations gauge: %w", err)
	}

	e.ignoredGauge, err = e.meter.Int64ObservableGauge(
		"vahti_rules_ignored",
		metric.WithDescription("Rules and policies not evaluated in the latest scan"),
		metric.WithInt64Callback(e.observeIgnored),
	)
	if err != nil {
		return fmt.Errorf("create rules_ignored gauge: %w", err)
	}

	e.scanDuration, err = e.meter.Float64Histogram(
		"vahti_scan_duration_seconds",
		metric.WithDescription("Time taken to evaluate the catalog"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create scan_duration histogram: %w", err)
	}

	e.scanViolationsTotal, err = e.meter.Int64Counter(
		"vahti_scan_violations_total",
		metric.WithDescription("Total violations reported"),
	)
	if err != nil {
		return fmt.Errorf("create scan_violations counter: %w", err)
	}

	e.scanErrorsTotal, err = e.meter.Int64Counter(
		"vahti_scan_errors_total",
		metric.WithDescription("Total rule execution errors"),
	)
	if err != nil {
		return fmt.Errorf("create scan_errors counter: %w", err)
	}

	e.violationChangesTotal, err = e.meter.Int64Counter(
		"vahti_violation_changes_total",
		metric.WithDescription("Total violations opened or resolved between scans"),
	)
	if err != nil {
		return fmt.Errorf("create violation_changes counter: %w", err)
	}

	return nil
}

// Emit records the report as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, report *engine.Report) error {
	if report == nil || report.Results == nil {
		return fmt.Errorf("emit metrics: empty report")
	}
	attrs := metric.WithAttributes(
		attribute.String("target", report.Metadata.Target),
		attribute.Bool("cancelled", report.Metadata.Cancelled),
	)

	e.scanDuration.Record(ctx, report.Metadata.Duration.Seconds(), attrs)

	results := report.Results
	errs := results.Errors()
	e.scanViolationsTotal.Add(ctx, int64(results.NumOfViolations-errs), attrs)
	if errs > 0 {
		e.scanErrorsTotal.Add(ctx, int64(errs), attrs)
	}

	// A cancelled scan would resolve every violation it never reached
	if !report.Metadata.Cancelled {
		e.emitDiffs(ctx, results)
		e.diffTracker.Update(results)
	}

	e.mu.Lock()
	e.latest = results
	e.mu.Unlock()

	log.Info().
		Str("scan_id", report.Metadata.ScanID).
		Int("violations", results.NumOfViolations).
		Int("errors", errs).
		Dur("duration", report.Metadata.Duration).
		Msg("scan metrics recorded")

	return nil
}

// emitDiffs computes changes and emits metrics/logs for them.
func (e *PrometheusEmitter) emitDiffs(ctx context.Context, results *engine.ScanResults) {
	changes := e.diffTracker.ComputeDiff(results)
	if changes == nil {
		// First scan - baseline established
		return
	}

	for _, c := range changes {
		e.violationChangesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy_id", c.Violation.PolicyID),
			attribute.String("rule_id", c.Violation.RuleID),
			attribute.String("severity", string(c.Violation.Severity)),
			attribute.String("change_type", string(c.Type)),
		))

		log.Info().
			Str("policy_id", c.Violation.PolicyID).
			Str("rule_id", c.Violation.RuleID).
			Str("asset_id", c.Violation.Asset()).
			Str("target", c.Target).
			Str("change", string(c.Type)).
			Msg("violation changed")
	}
}

// observeViolations is the callback for the policy_violations gauge.
func (e *PrometheusEmitter) observeViolations(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return nil
	}

	type series struct{ policyID, target, severity string }
	counts := make(map[series]int64)
	for ctx, vs := range e.latest.Violations {
		for _, v := range vs {
			if v.IsError() {
				continue
			}
			counts[series{ctx.PolicyID, ctx.Target, string(v.Severity)}]++
		}
	}

	for s, n := range counts {
		o.Observe(n, metric.WithAttributes(
			attribute.String("policy_id", s.policyID),
			attribute.String("target", s.target),
			attribute.String("severity", s.severity),
		))
	}
	return nil
}

// observeIgnored is the callback for the rules_ignored gauge.
func (e *PrometheusEmitter) observeIgnored(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return nil
	}

	for ctx, rules := range e.latest.IgnoredRules {
		counts := make(map[engine.IgnoredReason]int64)
		for _, ir := range rules {
			counts[ir.Reason]++
		}
		for reason, n := range counts {
			o.Observe(n, metric.WithAttributes(
				attribute.String("policy_id", ctx.PolicyID),
				attribute.String("target", ctx.Target),
				attribute.String("reason", reason.String()),
				attribute.String("level", "rule"),
			))
		}
	}
	for ctx, reason := range e.latest.IgnoredPolicies {
		o.Observe(1, metric.WithAttributes(
			attribute.String("policy_id", ctx.PolicyID),
			attribute.String("target", ctx.Target),
			attribute.String("reason", reason.String()),
			attribute.String("level", "policy"),
		))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
