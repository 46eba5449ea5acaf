package etl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
)

func newTestHost(t *testing.T, h *harness) *Host {
	host := NewHost(h.checkpoints, testutil.TestLogger(t))
	t.Cleanup(func() { _ = host.Dispose() })
	return host
}

func TestHostAddRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)

	require.NoError(t, host.Add(h.process(h.options("orders-etl"))))
	err := host.Add(h.process(h.options("orders-etl")))
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeValidation))

	require.NoError(t, host.Add(h.process(h.options("audit-etl"))))
	names := []string{}
	for _, p := range host.Processes() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"audit-etl", "orders-etl"}, names)
}

func TestHostStartsProcessesAddedLater(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)
	host.Start()

	p := h.process(h.options("orders-etl"))
	require.NoError(t, host.Add(p))
	assert.Equal(t, StateRunning, p.State())
}

func TestHostNotifyCollection(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)

	orders := h.process(h.options("orders-etl"))
	opts := h.options("users-etl")
	opts.Config.Collection = "users"
	users := h.process(opts)
	require.NoError(t, host.Add(orders))
	require.NoError(t, host.Add(users))

	host.NotifyCollection("orders")
	assert.Len(t, orders.wake, 1)
	assert.Len(t, users.wake, 0)

	host.NotifyCollection("")
	assert.Len(t, orders.wake, 1, "pending wakes coalesce")
	assert.Len(t, users.wake, 1)
}

func TestHostWatchWakesProcesses(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)
	require.NoError(t, host.Add(h.process(h.options("orders-etl"))))
	host.Start()

	ctx, cancel := context.WithCancel(context.Background())
	watching := make(chan error, 1)
	go func() { watching <- host.Watch(ctx, h.store) }()

	testutil.AssertEventually(t, func() bool {
		h.putOrders(1)
		seq, _ := h.checkpoint("orders-etl")
		return seq > 0
	}, 5*time.Second, "store writes did not wake the process")

	cancel()
	select {
	case err := <-watching:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestHostBatchCompleted(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)
	h.putOrders(2)

	var mu sync.Mutex
	var seen []string
	host.OnBatchCompleted(func(name string, stats StatisticsSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, name)
	})
	require.NoError(t, host.Add(h.process(h.options("orders-etl"))))
	host.Start()

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "orders-etl"
	}, 5*time.Second, "host callback not invoked")
}

func TestHostRemoveKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)
	ctx := context.Background()

	p := h.process(h.options("orders-etl"))
	require.NoError(t, host.Add(p))
	require.NoError(t, checkpoint.Save(ctx, h.checkpoints, checkpoint.ProcessStatus{Name: "orders-etl", LastProcessedSequence: 9}))

	require.NoError(t, host.Remove("orders-etl"))
	assert.Equal(t, StateDisposed, p.State())
	_, ok := host.Process("orders-etl")
	assert.False(t, ok)

	seq, found := h.checkpoint("orders-etl")
	assert.True(t, found)
	assert.Equal(t, uint64(9), seq)

	err := host.Remove("orders-etl")
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeNotFound))
}

func TestHostRenameDeletesStaleCheckpoint(t *testing.T) {
	h := newHarness(t)
	host := newTestHost(t, h)
	ctx := context.Background()

	old := h.process(h.options("orders-etl"))
	require.NoError(t, host.Add(old))
	host.Start()
	require.NoError(t, checkpoint.Save(ctx, h.checkpoints, checkpoint.ProcessStatus{Name: "orders-etl", LastProcessedSequence: 4}))

	replacement := h.process(h.options("orders-etl-v2"))
	require.NoError(t, host.Rename(ctx, "orders-etl", replacement))

	assert.Equal(t, StateDisposed, old.State())
	_, found := h.checkpoint("orders-etl")
	assert.False(t, found)

	p, ok := host.Process("orders-etl-v2")
	require.True(t, ok)
	assert.Equal(t, StateRunning, p.State())

	err := host.Rename(ctx, "missing", h.process(h.options("other")))
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeNotFound))
}

func TestHostDisposeCollectsErrors(t *testing.T) {
	h := newHarness(t)
	host := NewHost(h.checkpoints, testutil.TestLogger(t))

	for _, name := range []string{"a", "b", "c"} {
		opts := h.options(name)
		s := &fakeSink{}
		if name != "b" {
			s.closeErr = errors.New("close " + name)
		}
		opts.Sink = s
		require.NoError(t, host.Add(h.process(opts)))
	}
	host.Start()

	err := host.Dispose()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Empty(t, host.Processes())
	require.NoError(t, host.Dispose())
}
