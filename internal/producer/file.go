package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/pkg/resource"
)

var fileExtensions = map[string]bool{".json": true, ".ndjson": true, ".jsonl": true}

var envelopeValidator = validator.New(validator.WithRequiredStructEnabled())

// FileProducer reads envelopes exported by an external discovery run. Each
// file holds either a JSON array of envelopes or one envelope per line.
type FileProducer struct {
	paths  []string
	logger *telemetry.Logger
}

// NewFileProducer creates a producer over files or directories. Directories
// are walked for .json, .ndjson and .jsonl files.
func NewFileProducer(paths ...string) *FileProducer {
	return &FileProducer{
		paths:  paths,
		logger: telemetry.NewLogger("file-producer"),
	}
}

// Name returns "file".
func (p *FileProducer) Name() string {
	return "file"
}

// Produce reads every configured file.
func (p *FileProducer) Produce(ctx context.Context) ([]resource.Envelope, error) {
	files, err := p.files()
	if err != nil {
		return nil, err
	}

	var out []resource.Envelope
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		envs, err := ReadEnvelopes(path)
		if err != nil {
			return nil, err
		}
		p.logger.WithContext(ctx).Debug().
			Str("path", path).
			Int("envelopes", len(envs)).
			Msg("read envelope file")
		out = append(out, envs...)
	}
	return out, nil
}

func (p *FileProducer) files() ([]string, error) {
	var files []string
	for _, root := range p.paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && fileExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}

// ReadEnvelopes decodes one envelope file.
func ReadEnvelopes(path string) ([]resource.Envelope, error) {
	f, err := os.Open(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("open envelope file: %w", err)
	}
	defer func() { _ = f.Close() }()

	envs, err := DecodeEnvelopes(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return envs, nil
}

// DecodeEnvelopes reads a JSON array of envelopes or a stream of envelope
// objects and validates each one.
func DecodeEnvelopes(r io.Reader) ([]resource.Envelope, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var envs []resource.Envelope
	dec := json.NewDecoder(br)
	if first == '[' {
		if err := dec.Decode(&envs); err != nil {
			return nil, err
		}
	} else {
		for {
			var e resource.Envelope
			err := dec.Decode(&e)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("envelope %d: %w", len(envs)+1, err)
			}
			envs = append(envs, e)
		}
	}

	for i, e := range envs {
		if err := envelopeValidator.Struct(e); err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i+1, err)
		}
	}
	return envs, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}
