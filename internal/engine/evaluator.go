package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/internal/telemetry"
)

// Evaluation is the outcome of evaluating one rule. Exactly one of Ignored
// or Executed holds.
type Evaluation struct {
	Context PolicyContext
	Rule    policy.Rule
	// Reason is set when the rule was not executed.
	Reason IgnoredReason
	// PolicyLevel marks a reason that applies to the whole policy.
	PolicyLevel bool
	// Violations of an executed rule. An execution failure yields a single
	// error violation.
	Violations []Violation
	Err        error
	Duration   time.Duration
}

// Ignored reports whether the rule was skipped.
func (e Evaluation) Ignored() bool {
	return e.Reason != 0
}

// Outcome classifies the evaluation for metrics and logs.
func (e Evaluation) Outcome() string {
	switch {
	case e.Ignored():
		return OutcomeIgnored
	case e.Err != nil:
		return OutcomeError
	case len(e.Violations) > 0:
		return OutcomeViolations
	}
	return OutcomeClean
}

// Evaluator runs the per-rule state machine: disabled policy, disabled rule,
// manual control, missing asset table, then predicate execution.
type Evaluator struct {
	gateway store.Gateway
	timeout time.Duration
	limiter *rate.Limiter
	metrics *Metrics
	now     func() time.Time
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithRuleTimeout bounds the gateway calls of one rule.
func WithRuleTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.timeout = d }
}

// WithRateLimiter gates every predicate query on l.
func WithRateLimiter(l *rate.Limiter) EvaluatorOption {
	return func(e *Evaluator) { e.limiter = l }
}

// WithMetrics records rule outcomes and store calls.
func WithMetrics(m *Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithLogger sets the evaluator logger.
func WithLogger(l *telemetry.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator creates an evaluator over gateway.
func NewEvaluator(gateway store.Gateway, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		gateway: gateway,
		now:     time.Now,
		logger:  telemetry.NopLogger(),
		tracer:  otel.Tracer("rule-evaluator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves the rule's applicability and, if it applies, executes it
// within scope. It never fails: execution problems become an error violation.
func (e *Evaluator) Evaluate(ctx context.Context, p policy.Policy, r policy.Rule, scope store.Scope) Evaluation {
	start := time.Now()
	ev := Evaluation{Context: NewPolicyContext(p.PolicyID, scope), Rule: r}

	ctx, span := e.tracer.Start(ctx, "evaluator.evaluate",
		trace.WithAttributes(
			attribute.String("policy.id", p.PolicyID),
			attribute.String("rule.id", r.RuleID),
		))
	defer span.End()

	switch {
	case !p.Enabled:
		ev.Reason, ev.PolicyLevel = ReasonDisabled, true
	case !r.Enabled:
		ev.Reason = ReasonDisabled
	case r.ManualControl:
		ev.Reason = ReasonManualControl
	default:
		e.execute(ctx, p, r, scope, &ev)
	}

	ev.Duration = time.Since(start)
	span.SetAttributes(attribute.String("outcome", ev.Outcome()))
	if ev.Err != nil {
		span.SetStatus(codes.Error, ev.Err.Error())
	}

	reason := ""
	if ev.Ignored() {
		reason = ev.Reason.String()
	}
	e.metrics.RecordRule(ctx, p.PolicyID, ev.Outcome(), reason)
	if !ev.Ignored() {
		e.metrics.RecordViolations(ctx, p.PolicyID, string(r.Severity), len(ev.Violations))
	}
	e.log(ctx, ev)
	return ev
}

func (e *Evaluator) execute(ctx context.Context, p policy.Policy, r policy.Rule, scope store.Scope, ev *Evaluation) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	fail := func(err error) {
		if errors.Is(err, context.DeadlineExceeded) && e.timeout > 0 {
			err = fmt.Errorf("rule timed out after %s: %w", e.timeout, err)
		}
		ev.Err = err
		ev.Violations = []Violation{{
			PolicyID:    p.PolicyID,
			RuleID:      r.RuleID,
			Severity:    r.Severity,
			Error:       err.Error(),
			EvaluatedAt: e.now().UTC(),
		}}
	}

	for _, table := range r.ResourceTypes {
		exists, err := e.gateway.TableExists(ctx, table)
		if err != nil {
			e.metrics.RecordStoreQuery(ctx, "table_exists", "error")
			fail(fmt.Errorf("check table %s: %w", table, err))
			return
		}
		e.metrics.RecordStoreQuery(ctx, "table_exists", "success")
		if !exists {
			ev.Reason = ReasonMissingAsset
			return
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			fail(fmt.Errorf("wait for query slot: %w", err))
			return
		}
	}

	rows, err := e.gateway.Query(ctx, r.Predicate(), scope)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		e.metrics.RecordStoreQuery(ctx, "query", "error")
		fail(err)
		return
	}
	e.metrics.RecordStoreQuery(ctx, "query", "success")

	evaluatedAt := e.now().UTC()
	violations := make([]Violation, 0, len(rows))
	for i, row := range rows {
		id, ok := row.AssetID()
		if !ok {
			fail(fmt.Errorf("result row %d has no %s column", i, store.AssetIDColumn))
			return
		}
		violations = append(violations, Violation{
			PolicyID:    p.PolicyID,
			RuleID:      r.RuleID,
			AssetID:     &id,
			Severity:    r.Severity,
			Info:        row.Info(),
			EvaluatedAt: evaluatedAt,
		})
	}
	ev.Violations = violations
}

func (e *Evaluator) log(ctx context.Context, ev Evaluation) {
	switch {
	case ev.Err != nil:
		e.logger.WithContext(ctx).Error().
			Err(ev.Err).
			Str("policy_id", ev.Context.PolicyID).
			Str("rule_id", ev.Rule.RuleID).
			Dur("duration", ev.Duration).
			Msg("rule execution failed")
	case ev.Reason == ReasonMissingAsset:
		e.logger.WithContext(ctx).Warn().
			Str("policy_id", ev.Context.PolicyID).
			Str("rule_id", ev.Rule.RuleID).
			Strs("tables", ev.Rule.ResourceTypes).
			Msg("rule skipped, asset table missing")
	default:
		e.logger.WithContext(ctx).Debug().
			Str("policy_id", ev.Context.PolicyID).
			Str("rule_id", ev.Rule.RuleID).
			Str("outcome", ev.Outcome()).
			Int("violations", len(ev.Violations)).
			Dur("duration", ev.Duration).
			Msg("rule evaluated")
	}
}
