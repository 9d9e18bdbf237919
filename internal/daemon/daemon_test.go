package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/filter"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/pkg/resource"
)

const bundleYAML = `policyId: CIS-AWS
policyName: CIS AWS
rules:
  - ruleId: s3-bucket-public-access
    ruleName: Buckets must not be public
    severity: high
    sql: select arn as assetId from aws_s3_bucket where is_public = true
  - ruleId: s3-review
    ruleName: Reviewed by auditors
    severity: low
    manualControl: true
    sql: select arn as assetId from aws_s3_bucket
`

// recordingEmitter captures emitted reports.
type recordingEmitter struct {
	mu      sync.Mutex
	reports []*engine.Report
	err     error
	closed  bool
}

func (r *recordingEmitter) Emit(_ context.Context, report *engine.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *recordingEmitter) Close() error {
	r.closed = true
	return nil
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func testStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.ReplaceSnapshot(context.Background(), []resource.Envelope{
		{ResourceType: "aws_s3_bucket", ResourceID: "www", ARN: "arn:aws:s3:::www", Configuration: json.RawMessage(`{"is_public":true}`)},
		{ResourceType: "aws_s3_bucket", ResourceID: "logs", ARN: "arn:aws:s3:::logs", Configuration: json.RawMessage(`{"is_public":false}`)},
	})
	require.NoError(t, err)
	return s
}

func writeBundle(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cis.yaml"), []byte(content), 0600))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	writeBundle(t, dir, bundleYAML)
	return Config{
		Interval:    5 * time.Minute,
		PolicyPaths: []string{dir},
		Logger:      telemetry.NopLogger(),
		Engine:      engine.Options{Concurrency: 2, Logger: telemetry.NopLogger()},
	}
}

func TestNewDaemon_Validation(t *testing.T) {
	gw := testStore(t)

	_, err := NewDaemon(testConfig(t), nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Interval = 0
	_, err = NewDaemon(cfg, gw, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.PolicyPaths = nil
	_, err = NewDaemon(cfg, gw, nil)
	assert.Error(t, err)

	d, err := NewDaemon(testConfig(t), gw, nil)
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}

func TestDaemon_RunOnce(t *testing.T) {
	em := &recordingEmitter{}
	d, err := NewDaemon(testConfig(t), testStore(t), em)
	require.NoError(t, err)

	result := d.RunOnce(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Violations)
	assert.NotEmpty(t, result.ScanID)
	require.Equal(t, 1, em.count())
	assert.Equal(t, result.ScanID, em.reports[0].Metadata.ScanID)
	assert.Equal(t, int64(1), d.ScanCount())
	assert.Equal(t, "healthy", d.Health().Status)
}

func TestDaemon_RunOnce_Selector(t *testing.T) {
	cfg := testConfig(t)
	cfg.Selector = filter.New(nil, []string{"CIS-AWS/s3-bucket-public-access"}, nil, "")
	d, err := NewDaemon(cfg, testStore(t), &recordingEmitter{})
	require.NoError(t, err)

	result := d.RunOnce(context.Background())
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Zero(t, result.Violations)
}

func TestDaemon_LoadErrorFailsCycleOnly(t *testing.T) {
	cfg := testConfig(t)
	em := &recordingEmitter{}
	d, err := NewDaemon(cfg, testStore(t), em)
	require.NoError(t, err)

	// both sql and eval set
	writeBundle(t, cfg.PolicyPaths[0], bundleYAML+"    eval: package x\n")
	result := d.RunOnce(context.Background())
	assert.Equal(t, StatusLoadError, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Zero(t, em.count(), "no report for a rejected catalog")
	assert.Equal(t, "degraded", d.Health().Status)

	writeBundle(t, cfg.PolicyPaths[0], bundleYAML)
	result = d.RunOnce(context.Background())
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "healthy", d.Health().Status)
}

func TestDaemon_EmitError(t *testing.T) {
	d, err := NewDaemon(testConfig(t), testStore(t), &recordingEmitter{err: errors.New("bucket gone")})
	require.NoError(t, err)

	result := d.RunOnce(context.Background())
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "bucket gone")
}

// Test daemon stops gracefully
func TestDaemon_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"
	d, err := NewDaemon(cfg, testStore(t), &recordingEmitter{})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	require.Eventually(t, func() bool { return d.Addr() != "" && d.ScanCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Cancel context (simulate SIGTERM)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not shutdown within timeout")
	}
}

// Test scan loop runs at interval
func TestDaemon_ScanLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Interval = 50 * time.Millisecond
	em := &recordingEmitter{}
	d, err := NewDaemon(cfg, testStore(t), em)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Start(ctx)
	}()

	// first scan runs immediately, the rest on the ticker
	assert.Eventually(t, func() bool { return em.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_HealthEndpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("vahti_scan_violations_total 1\n"))
	})
	d, err := NewDaemon(cfg, testStore(t), &recordingEmitter{})
	require.NoError(t, err)

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/-/healthy").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get("/-/ready").StatusCode, "not ready before the first scan")
	assert.Equal(t, http.StatusOK, get("/metrics").StatusCode)

	d.RunOnce(context.Background())
	assert.Equal(t, http.StatusOK, get("/-/ready").StatusCode)

	resp := get("/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(1), health.Scans)
	require.NotNil(t, health.LastCycle)
	assert.Equal(t, 1, health.LastCycle.Violations)
}
