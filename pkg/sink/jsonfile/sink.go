// Package jsonfile appends transformed batches to a newline-delimited JSON
// file. Deletions are written as envelopes with deleted=true; readers apply
// the last envelope per key.
package jsonfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// Sink writes NDJSON to a single file
type Sink struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	buf  bytes.Buffer
}

var _ sink.Sink = (*Sink)(nil)

// Open creates the parent directory and opens path for appending
func Open(path string, logger *zap.Logger) (*Sink, error) {
	if path == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "jsonfile sink requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to create output directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to open output file").
			WithDetail("path", path)
	}
	return &Sink{path: path, logger: logger, file: f}, nil
}

// Name implements sink.Sink
func (s *Sink) Name() string { return "jsonfile" }

// Load encodes the batch and appends it with a single write followed by
// fsync
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nebulaerrors.New(nebulaerrors.ErrorTypeLoad, "sink is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.buf.Reset()
	if err := sink.WriteNDJSON(&s.buf, items); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode batch")
	}
	if _, err := s.file.Write(s.buf.Bytes()); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to write batch").WithDetail("path", s.path)
	}
	if err := s.file.Sync(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to sync output file").WithDetail("path", s.path)
	}

	s.logger.Debug("appended batch", zap.String("path", s.path), zap.Int("items", len(items)), zap.Int("bytes", s.buf.Len()))
	return nil
}

// Close closes the file. Closing twice is a no-op.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
