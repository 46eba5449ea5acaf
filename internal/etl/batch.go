package etl

import "time"

// Governor stop reasons
const (
	StopReasonCount   = "count"
	StopReasonTimeout = "timeout"
	StopReasonMemory  = "memory"
)

// BatchRun holds the counters of the current iteration. It is reset at the
// start of every iteration and only touched by the worker goroutine.
type BatchRun struct {
	// Extracted counts items pulled from the change feed
	Extracted int
	// Transformed counts successfully transformed items
	Transformed int
	// LastTransformedSequence is the sequence of the last successfully transformed item
	LastTransformedSequence uint64
	// LastLoadedSequence is set from LastTransformedSequence after a successful load
	LastLoadedSequence uint64
	// StopReason names the governor check that ended the batch, if any
	StopReason string

	StartTime time.Time
	Duration  time.Duration
}

func (b *BatchRun) reset(now time.Time) {
	*b = BatchRun{StartTime: now}
}
