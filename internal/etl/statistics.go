package etl

import (
	"sync"
	"time"
)

// ErrorInfo describes the most recent failure of a kind
type ErrorInfo struct {
	Message string
	At      time.Time
}

// StatisticsSnapshot is a point-in-time copy of a process's statistics
type StatisticsSnapshot struct {
	Name                  string
	Tag                   string
	LastProcessedSequence uint64
	TransformationSuccess int64
	TransformationErrors  int64
	LoadSuccess           int64
	LoadErrors            int64
	LastTransformError    *ErrorInfo
	LastLoadError         *ErrorInfo
	LastAlertTime         time.Time
}

// Statistics accumulates the counters of a process over its lifetime.
// The worker mutates it; any goroutine may take a Snapshot.
type Statistics struct {
	mu   sync.RWMutex
	snap StatisticsSnapshot
}

func newStatistics(tag, name string) *Statistics {
	return &Statistics{snap: StatisticsSnapshot{Name: name, Tag: tag}}
}

// Snapshot returns a copy of the current values
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	if out.LastTransformError != nil {
		e := *out.LastTransformError
		out.LastTransformError = &e
	}
	if out.LastLoadError != nil {
		e := *out.LastLoadError
		out.LastLoadError = &e
	}
	return out
}

func (s *Statistics) setLastProcessed(seq uint64) {
	s.mu.Lock()
	s.snap.LastProcessedSequence = seq
	s.mu.Unlock()
}

func (s *Statistics) transformationSuccess() {
	s.mu.Lock()
	s.snap.TransformationSuccess++
	s.mu.Unlock()
}

func (s *Statistics) recordTransformationError(err error, at time.Time) {
	s.mu.Lock()
	s.snap.TransformationErrors++
	s.snap.LastTransformError = &ErrorInfo{Message: err.Error(), At: at}
	s.mu.Unlock()
}

func (s *Statistics) loadSuccess(items int) {
	s.mu.Lock()
	s.snap.LoadSuccess += int64(items)
	s.mu.Unlock()
}

func (s *Statistics) recordLoadError(err error, items int, at time.Time) {
	s.mu.Lock()
	s.snap.LoadErrors += int64(items)
	s.snap.LastLoadError = &ErrorInfo{Message: err.Error(), At: at}
	s.mu.Unlock()
}

func (s *Statistics) alertRaised(at time.Time) {
	s.mu.Lock()
	s.snap.LastAlertTime = at
	s.mu.Unlock()
}

// BatchPerformance describes one iteration that made progress
type BatchPerformance struct {
	Iteration          uint64
	StartTime          time.Time
	Duration           time.Duration
	Extracted          int
	Transformed        int
	LastLoadedSequence uint64
	StopReason         string
}

// MetricsSnapshot is the performance view of a process
type MetricsSnapshot struct {
	// Recent lists the latest batches, oldest first
	Recent []BatchPerformance
	// ItemsPerSecond is the extracted-item rate since the previous snapshot
	ItemsPerSecond float64
	// LoadLatencyP50 and LoadLatencyP99 cover recent sink loads
	LoadLatencyP50 time.Duration
	LoadLatencyP99 time.Duration
	// MemoryCeiling is the current batch allocation ceiling in bytes
	MemoryCeiling uint64
}

const performanceHistorySize = 32

type performanceHistory struct {
	mu      sync.Mutex
	batches []BatchPerformance
}

func (h *performanceHistory) add(b BatchPerformance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.batches) == performanceHistorySize {
		copy(h.batches, h.batches[1:])
		h.batches = h.batches[:performanceHistorySize-1]
	}
	h.batches = append(h.batches, b)
}

func (h *performanceHistory) recent() []BatchPerformance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]BatchPerformance(nil), h.batches...)
}
