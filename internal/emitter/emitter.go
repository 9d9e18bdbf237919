// Package emitter defines the report sinks of Vahti.
package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/vahti/internal/engine"
)

// Emitter outputs scan reports to a backend.
type Emitter interface {
	// Emit sends a report to the backend.
	Emit(ctx context.Context, report *engine.Report) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters. A failing sink does not keep
// the report from the others.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters and joins their errors.
func (m *MultiEmitter) Emit(ctx context.Context, report *engine.Report) error {
	if report == nil {
		return fmt.Errorf("emit: nil report")
	}
	var errs []error
	for i, e := range m.emitters {
		if err := e.Emit(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("emitter %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped emitters.
func (m *MultiEmitter) Len() int {
	return len(m.emitters)
}
