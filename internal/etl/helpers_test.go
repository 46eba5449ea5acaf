package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-etl/pkg/alert"
	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	cfmemory "github.com/ajitpratap0/nebula-etl/pkg/changefeed/memory"
	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	cpmemory "github.com/ajitpratap0/nebula-etl/pkg/checkpoint/memory"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
	"github.com/ajitpratap0/nebula-etl/pkg/transform"
)

// fakeSink records every successful load
type fakeSink struct {
	mu       sync.Mutex
	loads    [][]models.TransformedItem
	failures int
	closed   int
	closeErr error
	policy   sink.FallbackPolicy
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Load(_ context.Context, items []models.TransformedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.loads = append(s.loads, append([]models.TransformedItem(nil), items...))
	return nil
}

func (s *fakeSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

func (s *fakeSink) FallbackPolicy() sink.FallbackPolicy { return s.policy }

func (s *fakeSink) failNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// batches returns the sequences of every load
func (s *fakeSink) batches() [][]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]uint64, 0, len(s.loads))
	for _, load := range s.loads {
		seqs := make([]uint64, 0, len(load))
		for _, it := range load {
			seqs = append(seqs, it.Sequence)
		}
		out = append(out, seqs)
	}
	return out
}

// gatedSource blocks the first Documents call until gate is closed
type gatedSource struct {
	*cfmemory.Store
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func newGatedSource(store *cfmemory.Store) *gatedSource {
	return &gatedSource{Store: store, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (s *gatedSource) Documents(ctx context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Store.Documents(ctx, collection, from)
}

// sliceSource serves fixed document and tombstone streams
type sliceSource struct {
	docs, tombs []models.ExtractedItem
}

func from(items []models.ExtractedItem, seq uint64) []models.ExtractedItem {
	var out []models.ExtractedItem
	for _, it := range items {
		if it.Sequence >= seq {
			out = append(out, it)
		}
	}
	return out
}

func (s *sliceSource) Documents(_ context.Context, _ string, seq uint64) (changefeed.Cursor, error) {
	return changefeed.NewSliceCursor(from(s.docs, seq)), nil
}

func (s *sliceSource) Tombstones(_ context.Context, _ string, seq uint64) (changefeed.Cursor, error) {
	return changefeed.NewSliceCursor(from(s.tombs, seq)), nil
}

func (s *sliceSource) Close(context.Context) error { return nil }

// flakyCheckpoints fails the next failCommits commits
type flakyCheckpoints struct {
	*cpmemory.Store
	failCommits atomic.Int32
}

func (s *flakyCheckpoints) BeginWrite(ctx context.Context) (checkpoint.WriteTx, error) {
	tx, err := s.Store.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{WriteTx: tx, store: s}, nil
}

type flakyTx struct {
	checkpoint.WriteTx
	store *flakyCheckpoints
}

func (tx *flakyTx) Commit(ctx context.Context) error {
	if tx.store.failCommits.Add(-1) >= 0 {
		_ = tx.WriteTx.Rollback(ctx)
		return errors.New("process crashed")
	}
	return tx.WriteTx.Commit(ctx)
}

// fixedSampler reports a constant allocation
type fixedSampler struct{ allocated atomic.Uint64 }

func (s *fixedSampler) Reset()            {}
func (s *fixedSampler) Allocated() uint64 { return s.allocated.Load() }

func plentyOfMemory(context.Context) (uint64, error) { return 1 << 40, nil }

// interceptingFactory wraps every transformer produced by base with fn
func interceptingFactory(base transform.Factory, fn func(item models.ExtractedItem) error) transform.Factory {
	return func() transform.Transformer {
		return &interceptor{Transformer: base(), fn: fn}
	}
}

type interceptor struct {
	transform.Transformer
	fn func(models.ExtractedItem) error
}

func (i *interceptor) Transform(ctx context.Context, item models.ExtractedItem) error {
	if err := i.fn(item); err != nil {
		return err
	}
	return i.Transformer.Transform(ctx, item)
}

type harness struct {
	t           *testing.T
	store       *cfmemory.Store
	checkpoints *cpmemory.Store
	sink        *fakeSink
	alerts      *alert.MemorySink
	clock       *testutil.FakeClock
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:           t,
		store:       cfmemory.NewStore(),
		checkpoints: cpmemory.NewStore(),
		sink:        &fakeSink{},
		alerts:      &alert.MemorySink{},
		clock:       testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

// options returns process options for name tailing "orders"
func (h *harness) options(name string) Options {
	cfg := config.NewProcessConfig(name, "orders")
	cfg.Sink.Type = "fake"
	return Options{
		Config:          cfg,
		Source:          h.store,
		Checkpoints:     h.checkpoints,
		Transforms:      transform.NewFactory(cfg.Transform),
		Sink:            h.sink,
		Alerts:          h.alerts,
		Logger:          testutil.TestLogger(h.t),
		Clock:           h.clock,
		Sampler:         &fixedSampler{},
		AvailableMemory: plentyOfMemory,
	}
}

func (h *harness) process(opts Options) *Process {
	p, err := New(opts)
	require.NoError(h.t, err)
	return p
}

func (h *harness) putOrders(n int) {
	for i := 0; i < n; i++ {
		h.store.Put("orders", fmt.Sprintf("o%d", h.store.LastEtag()+1), map[string]interface{}{"total": i})
	}
}

func (h *harness) checkpoint(name string) (uint64, bool) {
	status, found, err := checkpoint.Load(context.Background(), h.checkpoints, name)
	require.NoError(h.t, err)
	return status.LastProcessedSequence, found
}

// runOnce runs a single iteration on the calling goroutine
func runOnce(p *Process) (bool, error) {
	p.batch.reset(p.clock.Now())
	return p.iterate(context.Background())
}

func seqs(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}
