package etl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-etl/pkg/alert"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
	"github.com/ajitpratap0/nebula-etl/pkg/transform"
)

func TestNewValidatesOptions(t *testing.T) {
	h := newHarness(t)

	opts := h.options("orders-etl")
	opts.Sink = nil
	_, err := New(opts)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	opts = h.options("")
	_, err = New(opts)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}

func TestIterationLoadsAndCommits(t *testing.T) {
	h := newHarness(t)
	h.putOrders(3)
	_, err := h.store.Delete("orders", "o2")
	require.NoError(t, err)
	h.store.Put("users", "u1", map[string]interface{}{"name": "ada"})

	p := h.process(h.options("orders-etl"))

	progressed, err := runOnce(p)
	require.NoError(t, err)
	assert.True(t, progressed)

	// o2 became a tombstone at etag 4; the users write is not part of the feed
	assert.Equal(t, [][]uint64{{1, 3, 4}}, h.sink.batches())
	loaded := h.sink.loads[0]
	assert.False(t, loaded[0].Deleted)
	assert.True(t, loaded[2].Deleted)
	assert.Equal(t, "o2", loaded[2].Key)

	seq, found := h.checkpoint("orders-etl")
	require.True(t, found)
	assert.Equal(t, uint64(4), seq)

	stats := p.Statistics()
	assert.Equal(t, uint64(4), stats.LastProcessedSequence)
	assert.Equal(t, int64(3), stats.TransformationSuccess)
	assert.Equal(t, int64(3), stats.LoadSuccess)
}

func TestCheckpointIsMonotonic(t *testing.T) {
	h := newHarness(t)
	p := h.process(h.options("orders-etl"))

	var last uint64
	for round := 0; round < 5; round++ {
		h.putOrders(round)
		_, err := runOnce(p)
		require.NoError(t, err)

		seq, _ := h.checkpoint("orders-etl")
		assert.GreaterOrEqual(t, seq, last, "round %d", round)
		last = seq
	}
	assert.Equal(t, h.store.LastEtag(), last)
}

func TestIdleIterationMakesNoProgress(t *testing.T) {
	h := newHarness(t)
	p := h.process(h.options("orders-etl"))

	progressed, err := runOnce(p)
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Empty(t, h.sink.batches())
	assert.Zero(t, h.checkpoints.Commits())
}

func TestFailedLoadKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.putOrders(10)
	h.sink.failNext(2)
	p := h.process(h.options("orders-etl"))

	progressed, err := runOnce(p)
	require.NoError(t, err)
	assert.False(t, progressed)

	_, found := h.checkpoint("orders-etl")
	assert.False(t, found)
	stats := p.Statistics()
	assert.Equal(t, int64(10), stats.LoadErrors)
	require.NotNil(t, stats.LastLoadError)
	assert.Contains(t, stats.LastLoadError.Message, "sink unavailable")
	assert.Equal(t, time.Second, p.fallbackDelay)

	_, err = runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, p.fallbackDelay, "exponential policy doubles")

	progressed, err = runOnce(p)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, 0, p.consecutiveFailures)
	assert.Equal(t, [][]uint64{seqs(1, 10)}, h.sink.batches())

	seq, _ := h.checkpoint("orders-etl")
	assert.Equal(t, uint64(10), seq)
}

func TestSinkFallbackPolicyOverridesConfig(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	h.sink.failNext(1)
	h.sink.policy = sink.Fixed{Interval: 250 * time.Millisecond}
	p := h.process(h.options("orders-etl"))

	_, err := runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, p.fallbackDelay)
}

func TestCrashBetweenLoadAndCommitRedelivers(t *testing.T) {
	h := newHarness(t)
	h.putOrders(3)
	store := &flakyCheckpoints{Store: h.checkpoints}
	store.failCommits.Store(1)

	opts := h.options("orders-etl")
	opts.Checkpoints = store
	first := h.process(opts)

	progressed, err := runOnce(first)
	assert.False(t, progressed)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeCheckpoint))
	_, found := h.checkpoint("orders-etl")
	require.False(t, found)

	restarted := h.process(opts)
	progressed, err = runOnce(restarted)
	require.NoError(t, err)
	assert.True(t, progressed)

	assert.Equal(t, [][]uint64{{1, 2, 3}, {1, 2, 3}}, h.sink.batches())
	seq, _ := h.checkpoint("orders-etl")
	assert.Equal(t, uint64(3), seq)
}

func TestBatchStopsAtItemCount(t *testing.T) {
	h := newHarness(t)
	h.putOrders(7)

	var transformed atomic.Int32
	opts := h.options("orders-etl")
	opts.Config.MaxItemsPerBatch = 5
	opts.Transforms = interceptingFactory(opts.Transforms, func(models.ExtractedItem) error {
		transformed.Add(1)
		return nil
	})
	p := h.process(opts)

	_, err := runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, int32(5), transformed.Load(), "the sixth item is never transformed")
	assert.Equal(t, StopReasonCount, p.batch.StopReason)

	_, err = runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{seqs(1, 5), {6, 7}}, h.sink.batches())
}

func TestBatchStopsAtTimeBudget(t *testing.T) {
	h := newHarness(t)
	h.putOrders(5)

	opts := h.options("orders-etl")
	opts.Config.BatchTimeout = 3 * time.Second
	opts.Transforms = interceptingFactory(opts.Transforms, func(models.ExtractedItem) error {
		h.clock.Advance(time.Second)
		return nil
	})
	p := h.process(opts)

	_, err := runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, StopReasonTimeout, p.batch.StopReason)

	_, err = runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{{1, 2, 3}, {4, 5}}, h.sink.batches())
}

func TestBatchStopsWhenMemoryCannotGrow(t *testing.T) {
	h := newHarness(t)
	h.putOrders(4)

	sampler := &fixedSampler{}
	sampler.allocated.Store(2 * mib)
	opts := h.options("orders-etl")
	opts.Config.Memory = config.MemoryConfig{InitialMB: 1, MaxMB: 1}
	opts.Sampler = sampler
	p := h.process(opts)

	_, err := runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, StopReasonMemory, p.batch.StopReason)
	assert.Equal(t, [][]uint64{{1}}, h.sink.batches())
	assert.Equal(t, uint64(mib), p.Metrics().MemoryCeiling)
}

func TestSkippedItemsDoNotAdvanceCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.putOrders(3)

	opts := h.options("orders-etl")
	opts.Config.Transform.Require = []string{"customer"}
	opts.Transforms = transform.NewFactory(opts.Config.Transform)
	p := h.process(opts)

	progressed, err := runOnce(p)
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Empty(t, h.sink.batches(), "nothing to load")

	_, found := h.checkpoint("orders-etl")
	assert.False(t, found)
	assert.Zero(t, h.checkpoints.Commits())
	stats := p.Statistics()
	assert.Equal(t, int64(3), stats.TransformationErrors)
	assert.Zero(t, stats.TransformationSuccess)
	require.NotNil(t, stats.LastTransformError)
}

func TestPerItemErrorSkipsOnlyThatItem(t *testing.T) {
	h := newHarness(t)
	h.putOrders(4)

	opts := h.options("orders-etl")
	opts.Transforms = interceptingFactory(opts.Transforms, func(item models.ExtractedItem) error {
		if item.Sequence == 2 {
			return nebulaerrors.New(nebulaerrors.ErrorTypeData, "bad total")
		}
		return nil
	})
	p := h.process(opts)

	_, err := runOnce(p)
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{{1, 3, 4}}, h.sink.batches())
	assert.Equal(t, int64(1), p.Statistics().TransformationErrors)
	assert.Empty(t, h.alerts.Alerts())

	seq, _ := h.checkpoint("orders-etl")
	assert.Equal(t, uint64(4), seq)
}

func TestCheckpointStopsAtLastTransformedItem(t *testing.T) {
	h := newHarness(t)
	h.putOrders(3)

	opts := h.options("orders-etl")
	opts.Transforms = interceptingFactory(opts.Transforms, func(item models.ExtractedItem) error {
		if item.Sequence == 3 {
			return nebulaerrors.New(nebulaerrors.ErrorTypeData, "bad total")
		}
		return nil
	})
	p := h.process(opts)

	progressed, err := runOnce(p)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, [][]uint64{{1, 2}}, h.sink.batches())

	seq, found := h.checkpoint("orders-etl")
	require.True(t, found)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(2), p.Statistics().LastProcessedSequence)
}

func fatalAt(base transform.Factory, seq uint64) transform.Factory {
	return interceptingFactory(base, func(item models.ExtractedItem) error {
		if item.Sequence == seq {
			return nebulaerrors.New(nebulaerrors.ErrorTypeTransformDefinition, "mapping references unknown function")
		}
		return nil
	})
}

func TestFatalTransformStopsProcess(t *testing.T) {
	h := newHarness(t)
	h.putOrders(5)

	opts := h.options("orders-etl")
	opts.Transforms = fatalAt(opts.Transforms, 3)
	p := h.process(opts)

	p.Start()
	testutil.AssertEventually(t, func() bool { return p.State() == StateIdle }, 5*time.Second, "worker did not stop")

	stats := p.Statistics()
	assert.Equal(t, int64(2), stats.TransformationSuccess)
	assert.Zero(t, stats.TransformationErrors, "a broken transform only raises an alert")
	assert.Nil(t, stats.LastTransformError)
	assert.False(t, stats.LastAlertTime.IsZero())
	assert.Empty(t, h.sink.batches(), "aborted batch is not loaded")
	assert.Zero(t, h.checkpoints.Commits())

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.TypeTransformationError, alerts[0].Type)
	assert.Equal(t, "orders-etl", alerts[0].Key)
	assert.Contains(t, alerts[0].Message, "Could not parse transformation")
}

func TestBrokenDefinitionIsFatal(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)

	opts := h.options("orders-etl")
	opts.Config.Transform.Include = []string{"total"}
	opts.Config.Transform.Exclude = []string{"total"}
	opts.Transforms = transform.NewFactory(opts.Config.Transform)
	p := h.process(opts)

	progressed, err := runOnce(p)
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Len(t, h.alerts.Alerts(), 1)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.putOrders(2)
	p := h.process(h.options("orders-etl"))
	assert.Equal(t, StateIdle, p.State())

	p.Start()
	p.Start()
	assert.Equal(t, StateRunning, p.State())

	testutil.AssertEventually(t, func() bool {
		seq, _ := h.checkpoint("orders-etl")
		return seq == 2
	}, 5*time.Second, "first batch not committed")

	p.Stop()
	assert.Equal(t, StateIdle, p.State())
	p.Stop()

	// a stopped process can be started again
	h.putOrders(1)
	p.Start()
	testutil.AssertEventually(t, func() bool {
		seq, _ := h.checkpoint("orders-etl")
		return seq == 3
	}, 5*time.Second, "restart did not resume")
	p.Stop()
}

func TestDisabledProcessNeverStarts(t *testing.T) {
	h := newHarness(t)
	opts := h.options("orders-etl")
	opts.Config.Disabled = true
	p := h.process(opts)

	p.Start()
	assert.Equal(t, StateIdle, p.State())
}

func TestNotificationsCoalesce(t *testing.T) {
	h := newHarness(t)
	source := newGatedSource(h.store)
	opts := h.options("orders-etl")
	opts.Source = source
	p := h.process(opts)

	p.Start()
	defer p.Stop()

	<-source.entered
	p.NotifyAboutWork()
	p.NotifyAboutWork()
	close(source.gate)

	testutil.AssertEventually(t, func() bool { return source.calls.Load() == 2 }, 5*time.Second, "no follow-up iteration")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), source.calls.Load(), "two notifications cause one extra iteration")
}

func TestNotifyWakesIdleWorker(t *testing.T) {
	h := newHarness(t)
	p := h.process(h.options("orders-etl"))
	p.Start()
	defer p.Stop()

	h.putOrders(2)
	p.NotifyAboutWork()

	testutil.AssertEventually(t, func() bool {
		seq, _ := h.checkpoint("orders-etl")
		return seq == 2
	}, 5*time.Second, "notification ignored")
}

func TestFallbackDelayIsCancellable(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	h.sink.failNext(1)
	h.sink.policy = sink.Fixed{Interval: time.Hour}
	p := h.process(h.options("orders-etl"))

	p.Start()
	testutil.AssertEventually(t, func() bool { return p.Statistics().LoadErrors == 1 }, 5*time.Second, "load never failed")
	p.NotifyAboutWork()

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on the fallback delay")
	}
	assert.Len(t, h.sink.batches(), 0)
}

func TestFallbackDelayRetries(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	h.sink.failNext(1)
	h.sink.policy = sink.Fixed{Interval: 10 * time.Millisecond}
	p := h.process(h.options("orders-etl"))

	p.Start()
	defer p.Stop()
	testutil.AssertEventually(t, func() bool { return p.Statistics().LoadErrors == 1 }, 5*time.Second, "load never failed")
	p.NotifyAboutWork()

	testutil.AssertEventually(t, func() bool {
		seq, _ := h.checkpoint("orders-etl")
		return seq == 1
	}, 5*time.Second, "retry did not load")
	assert.Equal(t, int64(1), p.Statistics().LoadErrors)
}

func TestBatchCompletedCallback(t *testing.T) {
	h := newHarness(t)
	h.putOrders(3)
	p := h.process(h.options("orders-etl"))

	got := make(chan StatisticsSnapshot, 4)
	p.SetBatchCompletedCallback(func(name string, stats StatisticsSnapshot) {
		assert.Equal(t, "orders-etl", name)
		got <- stats
	})
	p.Start()
	defer p.Stop()

	select {
	case stats := <-got:
		assert.Equal(t, uint64(3), stats.LastProcessedSequence)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}

	recent := p.Metrics().Recent
	require.NotEmpty(t, recent)
	assert.Equal(t, 3, recent[len(recent)-1].Extracted)
}

func TestStopFromCallbackDoesNotDeadlock(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	p := h.process(h.options("orders-etl"))

	p.SetBatchCompletedCallback(func(string, StatisticsSnapshot) { p.Stop() })
	p.Start()

	testutil.AssertEventually(t, func() bool { return p.State() == StateIdle }, 5*time.Second, "worker did not exit")
	seq, _ := h.checkpoint("orders-etl")
	assert.Equal(t, uint64(1), seq)
}

func TestStopWaitsForWorkerWhileCallbackBlocks(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	p := h.process(h.options("orders-etl"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.SetBatchCompletedCallback(func(string, StatisticsSnapshot) {
		once.Do(func() { close(entered) })
		<-release
	})
	defer close(release)

	p.Start()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on the callback")
	}
	assert.Equal(t, StateIdle, p.State(), "Stop returned before the worker exited")

	require.NoError(t, p.Dispose())
	assert.Equal(t, 1, h.sink.closed)
}

// stoppingSink stops its process from inside Load
type stoppingSink struct {
	*fakeSink
	process *Process
}

func (s *stoppingSink) Load(ctx context.Context, items []models.TransformedItem) error {
	s.process.StopContext(ctx)
	return s.fakeSink.Load(ctx, items)
}

func TestStopContextFromSinkDoesNotDeadlock(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	stopping := &stoppingSink{fakeSink: h.sink}
	opts := h.options("orders-etl")
	opts.Sink = stopping
	p := h.process(opts)
	stopping.process = p

	p.Start()
	testutil.AssertEventually(t, func() bool { return p.State() == StateIdle }, 5*time.Second, "worker did not exit")
	assert.Len(t, h.sink.batches(), 1)
}

func TestStopContextOffWorkerWaits(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	blocking := &blockingSink{fakeSink: h.sink, entered: make(chan struct{})}
	opts := h.options("orders-etl")
	opts.Sink = blocking
	p := h.process(opts)

	p.Start()
	<-blocking.entered
	p.StopContext(context.Background())

	assert.Equal(t, StateIdle, p.State())
}

// panickingSink panics on every Load
type panickingSink struct{ *fakeSink }

func (s *panickingSink) Load(context.Context, []models.TransformedItem) error {
	panic("sink exploded")
}

func TestPanicInSinkFailsIteration(t *testing.T) {
	h := newHarness(t)
	h.putOrders(2)
	opts := h.options("orders-etl")
	opts.Sink = &panickingSink{fakeSink: h.sink}
	p := h.process(opts)

	progressed, err := runOnce(p)
	require.Error(t, err)
	assert.False(t, progressed)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeInternal))
	assert.Contains(t, err.Error(), "sink exploded")

	_, found := h.checkpoint("orders-etl")
	assert.False(t, found)
}

func TestPanicInTransformKeepsWorkerRunning(t *testing.T) {
	h := newHarness(t)
	h.putOrders(2)

	var panicked atomic.Bool
	opts := h.options("orders-etl")
	opts.Transforms = interceptingFactory(opts.Transforms, func(item models.ExtractedItem) error {
		if panicked.CompareAndSwap(false, true) {
			panic("transform exploded")
		}
		return nil
	})
	p := h.process(opts)

	p.Start()
	defer p.Stop()
	testutil.AssertEventually(t, panicked.Load, 5*time.Second, "transform never ran")
	assert.Equal(t, StateRunning, p.State())

	p.NotifyAboutWork()
	testutil.AssertEventually(t, func() bool {
		seq, _ := h.checkpoint("orders-etl")
		return seq == 2
	}, 5*time.Second, "worker did not recover from the panic")
}

type closingAlerts struct {
	alert.MemorySink
	closed int
	err    error
}

func (a *closingAlerts) Close() error {
	a.closed++
	return a.err
}

func TestDispose(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	alerts := &closingAlerts{}
	opts := h.options("orders-etl")
	opts.Alerts = alerts
	p := h.process(opts)

	p.Start()
	require.NoError(t, p.Dispose())
	assert.Equal(t, StateDisposed, p.State())
	assert.Equal(t, 1, h.sink.closed)
	assert.Equal(t, 1, alerts.closed)

	require.NoError(t, p.Dispose())
	assert.Equal(t, 1, h.sink.closed, "second Dispose is a no-op")

	p.Start()
	assert.Equal(t, StateDisposed, p.State())
}

func TestDisposeCollectsErrors(t *testing.T) {
	h := newHarness(t)
	h.sink.closeErr = errors.New("flush failed")
	alerts := &closingAlerts{err: errors.New("webhook gone")}
	opts := h.options("orders-etl")
	opts.Alerts = alerts
	p := h.process(opts)

	err := p.Dispose()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Contains(t, err.Error(), "webhook gone")
	assert.Equal(t, StateDisposed, p.State())
}

func TestDisposeAfterFatalStop(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	opts := h.options("orders-etl")
	opts.Transforms = fatalAt(opts.Transforms, 1)
	p := h.process(opts)

	p.Start()
	testutil.AssertEventually(t, func() bool { return p.State() == StateIdle }, 5*time.Second, "worker did not stop")

	require.NoError(t, p.Dispose())
	assert.Equal(t, 1, h.sink.closed)
}

func TestStopHonorsContextOfBlockedLoad(t *testing.T) {
	h := newHarness(t)
	h.putOrders(1)
	blocking := &blockingSink{fakeSink: h.sink, entered: make(chan struct{})}
	opts := h.options("orders-etl")
	opts.Sink = blocking
	p := h.process(opts)

	p.Start()
	<-blocking.entered
	p.Stop()

	assert.Equal(t, StateIdle, p.State())
	_, found := h.checkpoint("orders-etl")
	assert.False(t, found)
}

// blockingSink blocks Load until ctx is done
type blockingSink struct {
	*fakeSink
	entered chan struct{}
	once    atomic.Bool
}

func (s *blockingSink) Load(ctx context.Context, _ []models.TransformedItem) error {
	if s.once.CompareAndSwap(false, true) {
		close(s.entered)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestIterationInterleavesTombstones(t *testing.T) {
	h := newHarness(t)
	opts := h.options("orders-etl")
	opts.Source = &sliceSource{docs: docs(1, 3, 5), tombs: tombstones(2, 4)}
	p := h.process(opts)

	_, err := runOnce(p)
	require.NoError(t, err)
	require.Equal(t, [][]uint64{seqs(1, 5)}, h.sink.batches())

	var deleted []bool
	for _, it := range h.sink.loads[0] {
		deleted = append(deleted, it.Deleted)
	}
	assert.Equal(t, []bool{false, true, false, true, false}, deleted)
}
