// Package daemon runs scans on an interval and serves their metrics.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/yairfalse/vahti/internal/emitter"
	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/internal/telemetry"
)

// Cycle statuses
const (
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusLoadError = "load_error"
	StatusError     = "error"
)

// Config holds daemon configuration
type Config struct {
	Interval    time.Duration
	MetricsAddr string
	PolicyPaths []string
	Selector    policy.Selector
	Scope       store.Scope
	Engine      engine.Options

	// MetricsHandler serves /metrics; nil disables the endpoint
	MetricsHandler http.Handler
	Metrics        *DaemonMetrics
	Logger         *telemetry.Logger
}

// Daemon runs the scan loop, the metrics server and the signal handler as
// one run group. Any actor returning stops the others.
type Daemon struct {
	interval       time.Duration
	metricsAddr    string
	policyPaths    []string
	selector       policy.Selector
	scope          store.Scope
	orchestrator   *engine.Orchestrator
	emitter        emitter.Emitter
	metricsHandler http.Handler
	metrics        *DaemonMetrics
	logger         *telemetry.Logger
	startTime      time.Time

	scanCount atomic.Int64
	ready     atomic.Bool

	mu       sync.RWMutex
	last     *CycleResult
	listener net.Listener
}

// CycleResult describes the latest scan cycle.
type CycleResult struct {
	Status     string    `json:"status"`
	ScanID     string    `json:"scanId,omitempty"`
	Violations int       `json:"violations"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, gateway store.Gateway, em emitter.Emitter) (*Daemon, error) {
	if gateway == nil {
		return nil, fmt.Errorf("daemon: gateway required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive")
	}
	if len(config.PolicyPaths) == 0 {
		return nil, fmt.Errorf("daemon: at least one policy path required")
	}
	if em == nil {
		em = emitter.NewMultiEmitter()
	}
	logger := config.Logger
	if logger == nil {
		logger = telemetry.NewLogger("daemon")
	}

	engineOpts := config.Engine
	if engineOpts.Logger == nil {
		engineOpts.Logger = logger
	}

	return &Daemon{
		interval:       config.Interval,
		metricsAddr:    config.MetricsAddr,
		policyPaths:    config.PolicyPaths,
		selector:       config.Selector,
		scope:          config.Scope,
		orchestrator:   engine.NewOrchestrator(gateway, engineOpts),
		emitter:        em,
		metricsHandler: config.MetricsHandler,
		metrics:        config.Metrics,
		logger:         logger,
		startTime:      time.Now(),
	}, nil
}

// Start runs until ctx is cancelled or a SIGINT/SIGTERM arrives. Both are
// a clean shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.loop(ctx)
		}, func(error) {
			cancel()
		})
	}

	if d.metricsAddr != "" {
		ln, err := net.Listen("tcp", d.metricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.metricsAddr, err)
		}
		d.mu.Lock()
		d.listener = ln
		d.mu.Unlock()

		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			d.logger.WithContext(ctx).Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err := g.Run()
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		d.logger.WithContext(ctx).Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func (d *Daemon) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// first scan runs immediately
	d.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scan cycle: reload the catalog, scan and emit. A
// failing cycle is recorded and logged, it never stops the daemon.
func (d *Daemon) RunOnce(ctx context.Context) CycleResult {
	start := time.Now()
	d.scanCount.Add(1)
	logger := d.logger.WithContext(ctx)

	result := d.cycle(ctx)
	result.FinishedAt = time.Now().UTC()

	// metric recording must survive shutdown
	mctx := context.WithoutCancel(ctx)
	d.metrics.RecordScanCycle(mctx, result.Status)
	d.metrics.RecordScanCycleDuration(mctx, time.Since(start).Seconds(), result.Status)

	event := logger.Info()
	if result.Error != "" {
		event = logger.Error().Str("error", result.Error)
	}
	event.Str("status", result.Status).
		Str("scan_id", result.ScanID).
		Int("violations", result.Violations).
		Dur("duration", time.Since(start)).
		Msg("scan cycle finished")

	d.mu.Lock()
	d.last = &result
	d.mu.Unlock()
	if result.Status == StatusSuccess || result.Status == StatusPartial {
		d.ready.Store(true)
	}
	return result
}

func (d *Daemon) cycle(ctx context.Context) CycleResult {
	catalog, err := policy.LoadFiles(ctx, d.policyPaths...)
	if err != nil {
		return CycleResult{Status: StatusLoadError, Error: err.Error()}
	}
	if d.selector != nil {
		catalog = catalog.Select(d.selector)
	}
	d.metrics.RecordCatalogSize(ctx, catalog.Len(), catalog.RuleCount())

	report, err := d.orchestrator.Run(ctx, catalog, d.scope)
	if err != nil {
		return CycleResult{Status: StatusError, Error: err.Error()}
	}

	result := CycleResult{
		Status:     StatusSuccess,
		ScanID:     report.Metadata.ScanID,
		Violations: report.Results.NumOfViolations,
	}
	if report.Metadata.Cancelled {
		result.Status = StatusPartial
	}

	if err := d.emitter.Emit(context.WithoutCancel(ctx), report); err != nil {
		d.metrics.RecordEmit(ctx, StatusError)
		result.Status = StatusError
		result.Error = fmt.Sprintf("emit report: %v", err)
		return result
	}
	d.metrics.RecordEmit(ctx, StatusSuccess)
	return result
}

// Handler returns the HTTP handler for metrics and health endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	if d.metricsHandler != nil {
		mux.Handle("/metrics", d.metricsHandler)
	}
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			http.Error(w, "no scan completed yet", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := d.Health()
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// Health returns daemon health status. The daemon is degraded while the
// latest cycle failed.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	last := d.last
	d.mu.RUnlock()

	status := "healthy"
	if last != nil && last.Status != StatusSuccess && last.Status != StatusPartial {
		status = "degraded"
	}
	return HealthStatus{
		Status:    status,
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Scans:     d.scanCount.Load(),
		LastCycle: last,
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string       `json:"status"`
	Uptime    int64        `json:"uptimeSeconds"`
	Scans     int64        `json:"scans"`
	LastCycle *CycleResult `json:"lastCycle,omitempty"`
}

// ScanCount returns total scan cycles run
func (d *Daemon) ScanCount() int64 {
	return d.scanCount.Load()
}

// Addr returns the metrics listener address once the server is started.
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Close releases the emitter.
func (d *Daemon) Close() error {
	return d.emitter.Close()
}
