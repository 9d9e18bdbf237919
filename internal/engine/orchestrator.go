package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/internal/telemetry"
)

// Scan statuses reported on vahti.scan.runs
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// DefaultDrainTimeout is how long a cancelled scan waits for in-flight rules.
const DefaultDrainTimeout = 5 * time.Second

// Options configures a scan.
type Options struct {
	// Concurrency bounds parallel rule evaluations. Zero means the gateway's
	// connection limit, or the CPU count when the gateway has none.
	Concurrency int
	// Deadline bounds the whole scan. Zero means no deadline.
	Deadline time.Duration
	// RuleTimeout bounds the gateway calls of a single rule.
	RuleTimeout time.Duration
	// DrainTimeout is how long in-flight rules may finish after cancellation.
	DrainTimeout time.Duration
	// QueriesPerSecond rate limits predicate queries. Zero disables it.
	QueriesPerSecond float64

	Metrics *Metrics
	Logger  *telemetry.Logger
	// Clock stamps violations. Defaults to time.Now.
	Clock func() time.Time
}

// Orchestrator walks a catalog and dispatches rule evaluations to a bounded
// pool of workers.
type Orchestrator struct {
	gateway     store.Gateway
	evaluator   *Evaluator
	concurrency int
	deadline    time.Duration
	drain       time.Duration
	metrics     *Metrics
	logger      *telemetry.Logger
	tracer      trace.Tracer
}

// NewOrchestrator creates an orchestrator over gateway.
func NewOrchestrator(gateway store.Gateway, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewLogger("orchestrator")
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency(gateway)
	}

	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	evalOpts := []EvaluatorOption{
		WithRuleTimeout(opts.RuleTimeout),
		WithMetrics(opts.Metrics),
		WithLogger(logger),
	}
	if opts.QueriesPerSecond > 0 {
		burst := max(1, int(opts.QueriesPerSecond))
		evalOpts = append(evalOpts, WithRateLimiter(rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), burst)))
	}
	if opts.Clock != nil {
		evalOpts = append(evalOpts, WithClock(opts.Clock))
	}

	return &Orchestrator{
		gateway:     gateway,
		evaluator:   NewEvaluator(gateway, evalOpts...),
		concurrency: concurrency,
		deadline:    opts.Deadline,
		drain:       drain,
		metrics:     opts.Metrics,
		logger:      logger,
		tracer:      otel.Tracer("orchestrator"),
	}
}

func defaultConcurrency(gateway store.Gateway) int {
	if l, ok := gateway.(store.ConnectionLimiter); ok {
		if n := l.MaxConnections(); n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

// Concurrency returns the worker pool size.
func (o *Orchestrator) Concurrency() int {
	return o.concurrency
}

type unit struct {
	policy policy.Policy
	rule   policy.Rule
}

// Run evaluates every rule of catalog within scope. Cancellation of ctx, or
// the scan deadline, stops dispatch; rules already running get the drain
// window to finish and the partial results are returned without error.
func (o *Orchestrator) Run(ctx context.Context, catalog *policy.Catalog, scope store.Scope) (*Report, error) {
	if catalog == nil {
		return nil, errors.New("run scan: nil catalog")
	}

	start := time.Now()
	meta := ScanMetadata{
		ScanID:        uuid.NewString(),
		StartDateTime: start.UTC(),
		Target:        scope.Key(),
	}

	if o.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.deadline, fmt.Errorf("scan deadline of %s exceeded", o.deadline))
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("scan.id", meta.ScanID),
			attribute.String("scan.target", meta.Target),
			attribute.Int("scan.concurrency", o.concurrency),
		))
	defer span.End()

	agg := NewAggregator(o.logger)
	units := o.plan(ctx, agg, catalog, scope)
	meta.RulesTotal = len(units)

	o.logger.WithContext(ctx).Info().
		Str("scan_id", meta.ScanID).
		Str("target", meta.Target).
		Int("policies", catalog.Len()).
		Int("rules", meta.RulesTotal).
		Int("concurrency", o.concurrency).
		Msg("starting scan")

	done := o.dispatch(ctx, agg, units, scope)

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(o.drain):
			o.logger.WithContext(ctx).Warn().
				Str("scan_id", meta.ScanID).
				Dur("drain_timeout", o.drain).
				Msg("drain window elapsed with rules still running")
		}
	}

	results := agg.Finalize()
	end := time.Now()
	meta.EndDateTime = end.UTC()
	meta.Duration = end.Sub(start)
	meta.RulesCompleted = agg.Completed()
	meta.RulesPending = meta.RulesTotal - meta.RulesCompleted
	if ctx.Err() != nil && meta.RulesPending > 0 {
		meta.Cancelled = true
		meta.CancelReason = context.Cause(ctx).Error()
	}

	status := StatusCompleted
	if meta.Cancelled {
		status = StatusCancelled
	}
	// ctx may be cancelled already
	mctx := context.WithoutCancel(ctx)
	o.metrics.RecordScan(mctx, status, meta.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("scan.violations", results.NumOfViolations),
		attribute.Int("scan.rules_completed", meta.RulesCompleted),
		attribute.Bool("scan.cancelled", meta.Cancelled),
	)

	event := o.logger.WithContext(mctx).Info()
	if meta.Cancelled {
		event = o.logger.WithContext(mctx).Warn().Str("cancel_reason", meta.CancelReason)
	}
	event.
		Str("scan_id", meta.ScanID).
		Int("violations", results.NumOfViolations).
		Int("errors", results.Errors()).
		Int("rules_completed", meta.RulesCompleted).
		Int("rules_pending", meta.RulesPending).
		Dur("duration", meta.Duration).
		Msg("scan finished")

	return &Report{Metadata: meta, Results: results}, nil
}

// plan records disabled policies and returns the rules to dispatch.
func (o *Orchestrator) plan(ctx context.Context, agg *Aggregator, catalog *policy.Catalog, scope store.Scope) []unit {
	var units []unit
	for _, p := range catalog.Policies() {
		if !p.Enabled {
			pctx := NewPolicyContext(p.PolicyID, scope)
			if err := agg.RecordIgnoredPolicy(pctx, ReasonDisabled); err != nil {
				o.logger.WithContext(ctx).Error().Err(err).Str("policy_id", p.PolicyID).Msg("failed to record disabled policy")
			}
			o.metrics.RecordRule(ctx, p.PolicyID, OutcomeIgnored, ReasonDisabled.String())
			o.logger.WithContext(ctx).Debug().
				Str("policy_id", p.PolicyID).
				Int("rules", len(p.Rules)).
				Msg("policy disabled, skipping rules")
			continue
		}
		for _, r := range p.Rules {
			units = append(units, unit{policy: p, rule: r})
		}
	}
	return units
}

// dispatch starts one worker per unit, never more than o.concurrency at a
// time, until ctx is done. The returned channel closes once every started
// worker has recorded its outcome.
func (o *Orchestrator) dispatch(ctx context.Context, agg *Aggregator, units []unit, scope store.Scope) <-chan struct{} {
	sem := semaphore.NewWeighted(int64(o.concurrency))
	// in-flight rules are bounded by the rule timeout, not by scan cancellation
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			defer sem.Release(1)
			ev := o.evaluator.Evaluate(workCtx, u.policy, u.rule, scope)
			if err := o.record(agg, ev); err != nil && !errors.Is(err, ErrFinalized) {
				o.logger.WithContext(workCtx).Error().
					Err(err).
					Str("policy_id", u.policy.PolicyID).
					Str("rule_id", u.rule.RuleID).
					Msg("failed to record rule outcome")
			}
		}(u)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (o *Orchestrator) record(agg *Aggregator, ev Evaluation) error {
	switch {
	case ev.PolicyLevel:
		return agg.RecordIgnoredPolicy(ev.Context, ev.Reason)
	case ev.Ignored():
		return agg.RecordIgnoredRule(ev.Context, ev.Rule, ev.Reason)
	default:
		return agg.RecordViolations(ev.Context, ev.Rule.RuleID, ev.Violations)
	}
}
