// Package changefeed defines the ordered change sources an ETL process
// extracts from.
//
// A Source exposes two independently ordered cursors per collection: live
// documents and deletion tombstones. Both are ordered by ascending sequence
// (etag) and start at a caller-supplied sequence, inclusive. Implementations
// live in the memory, mongodb and postgres subpackages.
package changefeed

import (
	"context"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
)

// Cursor is a lazy, forward-only iterator over extracted items.
//
// Next advances to the next item and reports whether one is available. When
// Next returns false, Err reports whether iteration stopped because of an
// error. Close must be called once the caller is done, even after an error.
type Cursor interface {
	Next(ctx context.Context) bool
	Item() models.ExtractedItem
	Err() error
	Close(ctx context.Context) error
}

// Source opens ordered cursors over a document store's change history.
// An empty collection selects every collection.
type Source interface {
	// Documents returns live documents with sequence >= from in ascending order
	Documents(ctx context.Context, collection string, from uint64) (Cursor, error)
	// Tombstones returns deletion markers with sequence >= from in ascending order
	Tombstones(ctx context.Context, collection string, from uint64) (Cursor, error)
	// Close releases connections held by the source
	Close(ctx context.Context) error
}

// Notifier reports that new changes were written to the store.
//
// Watch blocks until ctx is cancelled or the underlying subscription fails,
// calling onChange with the affected collection name for each write. An
// empty name means the collection is unknown.
type Notifier interface {
	Watch(ctx context.Context, onChange func(collection string)) error
}

// SliceCursor iterates over a pre-materialized slice of items.
type SliceCursor struct {
	items []models.ExtractedItem
	pos   int
	err   error
}

// NewSliceCursor returns a cursor over items. The items must already be in
// ascending sequence order.
func NewSliceCursor(items []models.ExtractedItem) *SliceCursor {
	return &SliceCursor{items: items, pos: -1}
}

// Next advances the cursor. It stops early when ctx is done.
func (c *SliceCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.items) {
		return false
	}
	c.pos++
	return true
}

// Item returns the current item.
func (c *SliceCursor) Item() models.ExtractedItem {
	return c.items[c.pos]
}

// Err returns the error that stopped iteration, if any.
func (c *SliceCursor) Err() error {
	return c.err
}

// Close is a no-op.
func (c *SliceCursor) Close(context.Context) error {
	return nil
}

// Consumed reports how many items were returned by Next.
func (c *SliceCursor) Consumed() int {
	return c.pos + 1
}
