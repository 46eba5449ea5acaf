package etl

import (
	"context"
	rtmetrics "runtime/metrics"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/metrics"
)

// AllocationSampler measures bytes allocated since the last Reset
type AllocationSampler interface {
	Reset()
	Allocated() uint64
}

// AvailableMemoryFunc reports how many bytes the host can still hand out
type AvailableMemoryFunc func(ctx context.Context) (uint64, error)

// MemoryBudget is the allocation ceiling of a batch. The ceiling doubles
// when exceeded, up to Max, and never shrinks.
type MemoryBudget struct {
	Ceiling uint64
	Max     uint64
}

// grow doubles the ceiling, capped at Max. Growth is refused when the
// ceiling is already at Max or the host has less available memory than the
// increase would claim.
func (b *MemoryBudget) grow(available uint64) bool {
	if b.Ceiling >= b.Max {
		return false
	}
	next := b.Ceiling * 2
	if next > b.Max || next < b.Ceiling {
		next = b.Max
	}
	if available < next-b.Ceiling {
		return false
	}
	b.Ceiling = next
	return true
}

// Governor decides whether a batch may continue after each transformed item
type Governor struct {
	maxItems  int
	timeout   time.Duration
	clock     Clock
	budget    *MemoryBudget
	sampler   AllocationSampler
	available AvailableMemoryFunc
	logger    *zap.Logger
	metrics   *metrics.ProcessMetrics

	// ceiling mirrors budget.Ceiling for readers outside the worker
	ceiling atomic.Uint64
}

func (g *Governor) publish() {
	g.ceiling.Store(g.budget.Ceiling)
	g.metrics.MemoryCeiling(g.budget.Ceiling)
}

// CanContinue checks, in order, the item count, the elapsed time and the
// memory budget of batch. It records the stop reason on batch.
func (g *Governor) CanContinue(ctx context.Context, batch *BatchRun) bool {
	if batch.Extracted >= g.maxItems {
		g.stop(batch, StopReasonCount, zap.Int("extracted", batch.Extracted))
		return false
	}

	if elapsed := g.clock.Since(batch.StartTime); elapsed >= g.timeout {
		g.stop(batch, StopReasonTimeout, zap.Duration("elapsed", elapsed))
		return false
	}

	allocated := g.sampler.Allocated()
	if allocated <= g.budget.Ceiling {
		return true
	}

	available, err := g.available(ctx)
	if err != nil {
		g.logger.Warn("failed to read available memory", zap.Error(err))
		available = 0
	}
	if !g.budget.grow(available) {
		g.stop(batch, StopReasonMemory,
			zap.Uint64("allocated", allocated),
			zap.Uint64("ceiling", g.budget.Ceiling),
			zap.Uint64("available", available))
		return false
	}

	g.logger.Debug("raised batch memory ceiling",
		zap.Uint64("allocated", allocated),
		zap.Uint64("ceiling", g.budget.Ceiling))
	g.publish()
	return true
}

func (g *Governor) stop(batch *BatchRun, reason string, fields ...zap.Field) {
	batch.StopReason = reason
	g.logger.Debug("stopping batch", append(fields, zap.String("reason", reason))...)
	g.metrics.BatchStopped(reason)
}

// runtimeSampler reads the cumulative heap allocation counter of the Go
// runtime. Goroutines have no allocation counters of their own, so the
// process-wide figure stands in for the worker's.
type runtimeSampler struct {
	base    uint64
	samples []rtmetrics.Sample
}

// NewRuntimeSampler returns a sampler backed by runtime/metrics
func NewRuntimeSampler() AllocationSampler {
	return &runtimeSampler{samples: []rtmetrics.Sample{{Name: "/gc/heap/allocs:bytes"}}}
}

func (s *runtimeSampler) read() uint64 {
	rtmetrics.Read(s.samples)
	if s.samples[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return s.samples[0].Value.Uint64()
}

func (s *runtimeSampler) Reset() {
	s.base = s.read()
}

func (s *runtimeSampler) Allocated() uint64 {
	now := s.read()
	if now < s.base {
		return 0
	}
	return now - s.base
}

// HostAvailableMemory reads available memory through gopsutil
func HostAvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
