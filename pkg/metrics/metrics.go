// Package metrics provides Prometheus metrics for ETL processes.
//
// # Overview
//
// Every process records into shared, label-partitioned vectors through a
// ProcessMetrics handle. Labels are the process tag and name:
//
//	m := metrics.ForProcess("SQL ETL", "orders-to-pg")
//	m.Extracted(1)
//	m.BatchCompleted(128, 40*time.Millisecond)
//
// When a process is removed or renamed, Delete drops its label values so the
// exporter stops reporting stale series.
//
// # Metric Types
//
// Counter: items extracted, transformed, loaded and batch stop reasons
// Gauge: last checkpoint, memory budget ceiling, armed fallback delay
// Histogram: batch size and duration, load latency
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var processLabels = []string{"tag", "process"}

var (
	// ItemsExtracted counts items read from the change feed
	ItemsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_etl_items_extracted_total",
			Help: "Total number of items extracted from the change feed",
		},
		processLabels,
	)

	// ItemsTransformed counts transform outcomes. Labels: tag, process, status (success/error)
	ItemsTransformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_etl_items_transformed_total",
			Help: "Total number of transformed items by outcome",
		},
		append(processLabels, "status"),
	)

	// ItemsLoaded counts extracted items covered by a load. Labels: tag, process, status
	ItemsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_etl_items_loaded_total",
			Help: "Total number of items covered by sink loads by outcome",
		},
		append(processLabels, "status"),
	)

	// BatchStops counts why batches ended early. Labels: tag, process, reason
	BatchStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_etl_batch_stops_total",
			Help: "Number of batches stopped by the governor by reason",
		},
		append(processLabels, "reason"),
	)

	// BatchSize tracks the number of extracted items per completed batch
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_etl_batch_size_items",
			Help:    "Extracted items per batch that made progress",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9), // 1 .. 65536
		},
		processLabels,
	)

	// BatchDuration tracks how long batches that made progress took
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_etl_batch_duration_seconds",
			Help:    "Duration of batches that made progress",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms .. ~65s
		},
		processLabels,
	)

	// LastProcessedSequence is the committed checkpoint
	LastProcessedSequence = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_etl_last_processed_sequence",
			Help: "Last sequence committed to the checkpoint store",
		},
		processLabels,
	)

	// MemoryBudget is the current per-batch allocation ceiling
	MemoryBudget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_etl_memory_budget_bytes",
			Help: "Current allocation ceiling of a batch",
		},
		processLabels,
	)

	// FallbackDelay is the delay armed after the last failed load, 0 when none
	FallbackDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_etl_fallback_delay_seconds",
			Help: "Delay armed after a failed load",
		},
		processLabels,
	)
)

// ProcessMetrics records metrics of one process
type ProcessMetrics struct {
	tag  string
	name string

	rate        *ThroughputTracker
	loadLatency *LatencyTracker
}

// ForProcess returns a handle bound to a process
func ForProcess(tag, name string) *ProcessMetrics {
	return &ProcessMetrics{
		tag:         tag,
		name:        name,
		rate:        NewThroughputTracker(),
		loadLatency: NewLatencyTracker(256),
	}
}

// Extracted records n extracted items
func (m *ProcessMetrics) Extracted(n int) {
	ItemsExtracted.WithLabelValues(m.tag, m.name).Add(float64(n))
}

// Transformed records a transform outcome
func (m *ProcessMetrics) Transformed(success bool) {
	ItemsTransformed.WithLabelValues(m.tag, m.name, status(success)).Inc()
}

// Loaded records a load covering n extracted items
func (m *ProcessMetrics) Loaded(n int, success bool, d time.Duration) {
	ItemsLoaded.WithLabelValues(m.tag, m.name, status(success)).Add(float64(n))
	m.loadLatency.Record(d)
}

// BatchStopped records why the governor ended a batch
func (m *ProcessMetrics) BatchStopped(reason string) {
	BatchStops.WithLabelValues(m.tag, m.name, reason).Inc()
}

// BatchCompleted records a batch that made progress
func (m *ProcessMetrics) BatchCompleted(size int, d time.Duration) {
	BatchSize.WithLabelValues(m.tag, m.name).Observe(float64(size))
	BatchDuration.WithLabelValues(m.tag, m.name).Observe(d.Seconds())
	m.rate.Increment(int64(size))
}

// Checkpointed records the committed checkpoint
func (m *ProcessMetrics) Checkpointed(seq uint64) {
	LastProcessedSequence.WithLabelValues(m.tag, m.name).Set(float64(seq))
}

// MemoryCeiling records the allocation ceiling
func (m *ProcessMetrics) MemoryCeiling(bytes uint64) {
	MemoryBudget.WithLabelValues(m.tag, m.name).Set(float64(bytes))
}

// FallbackArmed records the armed fallback delay
func (m *ProcessMetrics) FallbackArmed(d time.Duration) {
	FallbackDelay.WithLabelValues(m.tag, m.name).Set(d.Seconds())
}

// Rate returns the items-per-second rate since the previous call
func (m *ProcessMetrics) Rate() float64 {
	return m.rate.GetAndReset()
}

// LoadLatency returns the p-th percentile (0-100) of recent load durations
func (m *ProcessMetrics) LoadLatency(p float64) time.Duration {
	return m.loadLatency.GetPercentile(p)
}

// Delete removes every series of the process
func (m *ProcessMetrics) Delete() {
	labels := prometheus.Labels{"tag": m.tag, "process": m.name}
	for _, vec := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{ItemsExtracted, ItemsTransformed, ItemsLoaded, BatchStops, BatchSize, BatchDuration,
		LastProcessedSequence, MemoryBudget, FallbackDelay} {
		vec.DeletePartialMatch(labels)
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called
// multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks items per second over time windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64     // Items since last reset
	lastReset time.Time // Time of last reset
}

// NewThroughputTracker creates a new throughput tracker
func NewThroughputTracker() *ThroughputTracker {
	return &ThroughputTracker{lastReset: time.Now()}
}

// Increment adds n to the count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns items per second since the last reset and resets
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()
	return throughput
}

// LatencyTracker keeps the most recent durations for percentile queries
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a new latency tracker
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record records a latency value
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		// Remove oldest
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// GetPercentile returns the percentile value (0-100)
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := append([]time.Duration(nil), l.values...)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
