package object

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-etl/pkg/compression"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
)

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]Metadata
	err     error
	closed  bool
}

func newMemoryUploader() *memoryUploader {
	return &memoryUploader{objects: make(map[string][]byte), meta: make(map[string]Metadata)}
}

func (u *memoryUploader) Upload(_ context.Context, key string, body []byte, meta Metadata) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.objects[key] = append([]byte(nil), body...)
	u.meta[key] = meta
	return nil
}

func (u *memoryUploader) Close() error {
	u.closed = true
	return nil
}

func readEnvelopes(t *testing.T, body []byte, algorithm compression.Algorithm) []sink.Envelope {
	t.Helper()
	r, err := compression.NewReader(bytes.NewReader(body), algorithm)
	require.NoError(t, err)
	defer r.Close()

	var out []sink.Envelope
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var env sink.Envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		out = append(out, env)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestSinkUploadsOneObjectPerCollection(t *testing.T) {
	u := newMemoryUploader()
	s := New("s3", u, "etl/orders-etl", compression.Zstd, testutil.TestLogger(t))

	require.NoError(t, s.Load(context.Background(), []models.TransformedItem{
		{Key: "o1", Sequence: 3, Collection: "orders", Fields: map[string]interface{}{"total": 1}},
		{Key: "u1", Sequence: 4, Collection: "users"},
		{Key: "o2", Sequence: 7, Collection: "orders", Deleted: true},
	}))

	key := "etl/orders-etl/orders/00000000000000000003-00000000000000000007.ndjson.zst"
	require.Contains(t, u.objects, key)
	assert.Len(t, u.objects, 2)

	envs := readEnvelopes(t, u.objects[key], compression.Zstd)
	require.Len(t, envs, 2)
	assert.Equal(t, "o1", envs[0].Key)
	assert.True(t, envs[1].Deleted)

	meta := u.meta[key]
	assert.Equal(t, "zstd", meta.ContentEncoding)
	assert.Equal(t, "2", meta.Attributes["items"])
	assert.Equal(t, "7", meta.Attributes["last-sequence"])

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, u.closed)
}

func TestSinkUncompressed(t *testing.T) {
	u := newMemoryUploader()
	s := New("gcs", u, "", compression.None, testutil.TestLogger(t))

	require.NoError(t, s.Load(context.Background(), []models.TransformedItem{
		{Key: "o1", Sequence: 1, Collection: "orders"},
	}))

	body := u.objects["orders/00000000000000000001-00000000000000000001.ndjson"]
	require.NotNil(t, body)
	assert.Len(t, readEnvelopes(t, body, compression.None), 1)
}

func TestSinkUploadFailure(t *testing.T) {
	u := newMemoryUploader()
	u.err = errors.New("403 forbidden")
	s := New("s3", u, "etl", compression.LZ4, testutil.TestLogger(t))

	err := s.Load(context.Background(), []models.TransformedItem{{Key: "o1", Sequence: 1, Collection: "orders"}})
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeLoad))
}
