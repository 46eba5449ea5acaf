// Package object writes transformed batches as compressed NDJSON objects to
// S3 or Google Cloud Storage. Every batch produces one object per target
// collection named after its sequence range:
//
//	<prefix>/<collection>/<first>-<last>.ndjson[.zst|.lz4|...]
//
// A re-delivered batch with the same range overwrites its object. Readers
// that see overlapping ranges keep the envelope with the highest sequence
// per key.
package object

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/compression"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/pool"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// Metadata travels with an uploaded object
type Metadata struct {
	ContentType     string
	ContentEncoding string
	Attributes      map[string]string
}

// Uploader stores one object. body is only valid for the duration of the
// call.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, meta Metadata) error
	Close() error
}

// Sink is a sink.Sink over an Uploader
type Sink struct {
	name        string
	uploader    Uploader
	prefix      string
	compression compression.Algorithm
	logger      *zap.Logger
}

var _ sink.Sink = (*Sink)(nil)

// New creates a sink named name that uploads through u
func New(name string, u Uploader, prefix string, algorithm compression.Algorithm, logger *zap.Logger) *Sink {
	return &Sink{name: name, uploader: u, prefix: prefix, compression: algorithm, logger: logger}
}

// Name implements sink.Sink
func (s *Sink) Name() string { return s.name }

// Load uploads one object per collection in the batch
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) error {
	order, groups := sink.GroupByCollection(items)
	for _, collection := range order {
		group := groups[collection]
		buf := pool.Buffers.Get()
		err := s.upload(ctx, collection, group, buf)
		pool.Buffers.Put(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) upload(ctx context.Context, collection string, group []models.TransformedItem, buf *bytes.Buffer) error {
	if err := s.encode(group, buf); err != nil {
		return err
	}
	body := buf.Bytes()

	lo, hi := models.SequenceRange(group)
	key := ObjectKey(s.prefix, collection, lo, hi, s.compression)
	meta := Metadata{
		ContentType:     "application/x-ndjson",
		ContentEncoding: s.compression.ContentEncoding(),
		Attributes: map[string]string{
			"items":          strconv.Itoa(len(group)),
			"first-sequence": strconv.FormatUint(lo, 10),
			"last-sequence":  strconv.FormatUint(hi, 10),
			"compression":    string(s.compression),
		},
	}
	if err := s.uploader.Upload(ctx, key, body, meta); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to upload object").WithDetail("key", key)
	}
	s.logger.Debug("uploaded object", zap.String("key", key), zap.Int("items", len(group)), zap.Int("bytes", len(body)))
	return nil
}

func (s *Sink) encode(items []models.TransformedItem, buf *bytes.Buffer) error {
	w, err := compression.NewWriter(buf, s.compression, compression.Default)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to create compressor")
	}
	if err := sink.WriteNDJSON(w, items); err != nil {
		_ = w.Close()
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode batch")
	}
	if err := w.Close(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to flush compressor")
	}
	return nil
}

// ObjectKey names the object holding items lo..hi of collection
func ObjectKey(prefix, collection string, lo, hi uint64, algorithm compression.Algorithm) string {
	return path.Join(prefix, collection, fmt.Sprintf("%020d-%020d.ndjson%s", lo, hi, algorithm.Extension()))
}

// Close releases the uploader
func (s *Sink) Close(context.Context) error {
	return s.uploader.Close()
}
