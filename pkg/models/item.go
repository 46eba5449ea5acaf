// Package models defines the items that flow through an ETL batch.
//
// An ExtractedItem is one change read from the document store: either the
// current version of a document or a tombstone recording its deletion. A
// TransformedItem is the sink-ready form produced by a transform. Both are
// owned by the batch that produced them and discarded when it ends.
package models

import "fmt"

// ExtractedItem is one change from the source change feed.
type ExtractedItem struct {
	// Sequence is the store-wide, monotonically increasing etag of the change
	Sequence uint64 `json:"sequence"`
	// Collection identifies the source the change belongs to
	Collection string `json:"collection"`
	// ID is the document key
	ID string `json:"id"`
	// Document is the payload; nil for tombstones
	Document map[string]interface{} `json:"document,omitempty"`
	// Tombstone marks a deletion
	Tombstone bool `json:"tombstone"`
	// ChangeVector is an opaque version string passed through to sinks
	ChangeVector string `json:"change_vector,omitempty"`
}

// String returns a short description used in logs.
func (i ExtractedItem) String() string {
	kind := "document"
	if i.Tombstone {
		kind = "tombstone"
	}
	return fmt.Sprintf("%s %s/%s@%d", kind, i.Collection, i.ID, i.Sequence)
}

// TransformedItem is the sink-ready representation of an extracted item.
type TransformedItem struct {
	// Key identifies the target row/document/message
	Key string `json:"key"`
	// Sequence is the etag of the extracted item this was produced from
	Sequence uint64 `json:"sequence"`
	// Collection is the target table, collection or topic
	Collection string `json:"collection"`
	// Deleted asks the sink to remove Key
	Deleted bool `json:"deleted"`
	// Fields holds the mapped document; empty for deletions
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Partition splits items into upserts and deletions preserving order.
func Partition(items []TransformedItem) (upserts, deletes []TransformedItem) {
	for _, it := range items {
		if it.Deleted {
			deletes = append(deletes, it)
		} else {
			upserts = append(upserts, it)
		}
	}
	return upserts, deletes
}

// SequenceRange returns the lowest and highest sequence in items.
func SequenceRange(items []TransformedItem) (lo, hi uint64) {
	for i, it := range items {
		if i == 0 || it.Sequence < lo {
			lo = it.Sequence
		}
		if it.Sequence > hi {
			hi = it.Sequence
		}
	}
	return lo, hi
}
