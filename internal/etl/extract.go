package etl

import (
	"context"

	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
)

// mergedCursor merges the document and tombstone cursors into one stream
// ordered by ascending sequence. On equal sequences the document comes
// first. Each cursor is read at most one item ahead and not at all once ctx
// is done.
type mergedCursor struct {
	docs  changefeed.Cursor
	tombs changefeed.Cursor
	batch *BatchRun

	doc, tomb         models.ExtractedItem
	hasDoc, hasTomb   bool
	docsEOF, tombsEOF bool
	err               error
}

func newMergedCursor(docs, tombs changefeed.Cursor, batch *BatchRun) *mergedCursor {
	return &mergedCursor{docs: docs, tombs: tombs, batch: batch}
}

// Next returns the next item in sequence order
func (m *mergedCursor) Next(ctx context.Context) (models.ExtractedItem, bool) {
	if m.err != nil {
		return models.ExtractedItem{}, false
	}
	if err := ctx.Err(); err != nil {
		m.err = err
		return models.ExtractedItem{}, false
	}

	if !m.fill(ctx, m.docs, &m.doc, &m.hasDoc, &m.docsEOF) ||
		!m.fill(ctx, m.tombs, &m.tomb, &m.hasTomb, &m.tombsEOF) {
		return models.ExtractedItem{}, false
	}

	var item models.ExtractedItem
	switch {
	case m.hasDoc && (!m.hasTomb || m.doc.Sequence <= m.tomb.Sequence):
		item, m.hasDoc = m.doc, false
	case m.hasTomb:
		item, m.hasTomb = m.tomb, false
	default:
		return models.ExtractedItem{}, false
	}

	m.batch.Extracted++
	return item, true
}

// fill peeks the next item of c unless one is already buffered or c is
// exhausted. It returns false when c failed.
func (m *mergedCursor) fill(ctx context.Context, c changefeed.Cursor, head *models.ExtractedItem, has, eof *bool) bool {
	if *has || *eof {
		return true
	}
	if c.Next(ctx) {
		*head, *has = c.Item(), true
		return true
	}
	*eof = true
	if err := c.Err(); err != nil {
		m.err = err
		return false
	}
	return true
}

// Err returns the error that ended the merge, if any
func (m *mergedCursor) Err() error {
	return m.err
}
