package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vahti/internal/config"
)

func TestNewProvider_Disabled(t *testing.T) {
	cfg := config.OTELConfig{
		ServiceName: "test-vahti",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	err = p.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-vahti",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// Provider setup should succeed even without a real collector
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Shutdown may fail due to no collector, that's OK for this test
	_ = p.Shutdown(ctx)
}

func TestProvider_StartSpan(t *testing.T) {
	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-vahti"})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test-operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.End()
	_ = p.Shutdown(context.Background())
}

func TestProvider_MetricsHandler(t *testing.T) {
	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-vahti"})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := p.Meter().Int64Counter("vahti.test.events", metric.WithDescription("test counter"))
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vahti_test_events")
}

func TestLogger_WritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	logger := NewLogger("policy-catalog")
	logger.WithContext(context.Background()).Info().Str("policy_id", "CIS-AWS").Msg("loaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "policy-catalog", entry["service"])
	assert.Equal(t, "CIS-AWS", entry["policy_id"])
	assert.Equal(t, "loaded", entry["message"])
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, SetLevel("info"))
	assert.Error(t, SetLevel("loud"))
}
