package telemetry

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stderr
)

// SetOutput redirects loggers created afterwards. Stdout is left to reports.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// SetLevel sets the global minimum level, e.g. "debug" or "warn".
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a component logger with OTEL hooks
func NewLogger(service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	outputMu.RLock()
	w := output
	outputMu.RUnlock()

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// NopLogger discards everything. Used by tests.
func NopLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogQueryError logs a failed asset store operation.
func (l *Logger) LogQueryError(ctx context.Context, operation, table string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Str("table", table).
		Msg("asset store operation failed")
}
