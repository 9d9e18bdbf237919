package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yairfalse/vahti/internal/engine"
)

// JSONEmitter writes the report as indented JSON, either to a writer or to
// a file that is replaced atomically on every scan.
type JSONEmitter struct {
	w    io.Writer
	path string
}

// NewJSONEmitter writes reports to w.
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	return &JSONEmitter{w: w}
}

// NewJSONFileEmitter writes reports to path.
func NewJSONFileEmitter(path string) *JSONEmitter {
	return &JSONEmitter{path: path}
}

// Emit encodes the report.
func (e *JSONEmitter) Emit(_ context.Context, report *engine.Report) error {
	data, err := MarshalReport(report)
	if err != nil {
		return err
	}
	if e.path == "" {
		if _, err := e.w.Write(data); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		return nil
	}
	return writeFileAtomic(e.path, data)
}

// Close is a no-op for JSON emitter.
func (e *JSONEmitter) Close() error {
	return nil
}

// MarshalReport renders a report the way every emitter stores it.
func MarshalReport(report *engine.Report) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("marshal report: nil report")
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}
