// Package pool provides type-safe object pooling for hot encode paths.
//
// Example usage:
//
//	buf := pool.Buffers.Get()
//	defer pool.Buffers.Put(buf)
//
//	_ = sink.WriteNDJSON(buf, items)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// MaxRetainedBuffer is the largest buffer capacity returned to Buffers.
// Bigger buffers, grown by an unusually large batch, are left to the GC.
const MaxRetainedBuffer = 8 << 20

// Pool wraps sync.Pool with a reset hook and usage statistics. It is safe for
// concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	keep  func(T) bool
	stats struct {
		allocated int64
		inUse     int64
	}
}

// New creates a pool. reset, when set, runs before an object is returned to
// the pool; keep, when set, decides whether it is returned at all.
func New[T any](newFn func() T, reset func(T), keep func(T) bool) *Pool[T] {
	p := &Pool[T]{reset: reset, keep: keep}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get takes an object from the pool, allocating one when it is empty
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	return p.pool.Get().(T)
}

// Put hands obj back. obj must not be used afterwards.
func (p *Pool[T]) Put(obj T) {
	atomic.AddInt64(&p.stats.inUse, -1)
	if p.keep != nil && !p.keep(obj) {
		return
	}
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// Stats returns how many objects were ever allocated and how many are
// currently checked out
func (p *Pool[T]) Stats() (allocated, inUse int64) {
	return atomic.LoadInt64(&p.stats.allocated), atomic.LoadInt64(&p.stats.inUse)
}

// Buffers pools the byte buffers sinks encode batches into
var Buffers = New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 64<<10)) },
	func(b *bytes.Buffer) { b.Reset() },
	func(b *bytes.Buffer) bool { return b.Cap() <= MaxRetainedBuffer },
)
