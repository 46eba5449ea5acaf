// Package memory provides an in-process document store with an etag-ordered
// change feed. It backs tests and the demo configuration.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
)

type record struct {
	collection string
	id         string
	etag       uint64
	doc        map[string]interface{}
}

// Store keeps the latest version of every document plus tombstones for
// deleted ones. Every write takes the next store-wide etag.
type Store struct {
	mu         sync.RWMutex
	lastEtag   uint64
	documents  map[string]record
	tombstones map[string]record
	nextSubID  int
	subs       map[int]func(collection string)
}

var _ changefeed.Source = (*Store)(nil)
var _ changefeed.Notifier = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		documents:  make(map[string]record),
		tombstones: make(map[string]record),
		subs:       make(map[int]func(string)),
	}
}

func key(collection, id string) string {
	return collection + "/" + id
}

// Put stores doc under collection/id and returns its etag. A tombstone left
// by an earlier delete of the same key is removed.
func (s *Store) Put(collection, id string, doc map[string]interface{}) uint64 {
	s.mu.Lock()
	s.lastEtag++
	etag := s.lastEtag
	k := key(collection, id)
	delete(s.tombstones, k)
	s.documents[k] = record{collection: collection, id: id, etag: etag, doc: copyDoc(doc)}
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, collection)
	return etag
}

// Delete removes collection/id and records a tombstone. It returns the
// tombstone etag, or an error when the document does not exist.
func (s *Store) Delete(collection, id string) (uint64, error) {
	s.mu.Lock()
	k := key(collection, id)
	if _, ok := s.documents[k]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("document %s not found", k)
	}
	s.lastEtag++
	etag := s.lastEtag
	delete(s.documents, k)
	s.tombstones[k] = record{collection: collection, id: id, etag: etag}
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, collection)
	return etag, nil
}

// LastEtag returns the etag of the most recent write.
func (s *Store) LastEtag() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEtag
}

// Documents implements changefeed.Source.
func (s *Store) Documents(_ context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return changefeed.NewSliceCursor(snapshot(s.documents, collection, from, false)), nil
}

// Tombstones implements changefeed.Source.
func (s *Store) Tombstones(_ context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return changefeed.NewSliceCursor(snapshot(s.tombstones, collection, from, true)), nil
}

// Close implements changefeed.Source.
func (s *Store) Close(context.Context) error {
	return nil
}

// Watch implements changefeed.Notifier. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(collection string)) error {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = onChange
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	return nil
}

// subscribers must be called with s.mu held.
func (s *Store) subscribers() []func(string) {
	out := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(string), collection string) {
	for _, fn := range subs {
		fn(collection)
	}
}

func snapshot(records map[string]record, collection string, from uint64, tombstone bool) []models.ExtractedItem {
	items := make([]models.ExtractedItem, 0, len(records))
	for _, r := range records {
		if r.etag < from {
			continue
		}
		if collection != "" && r.collection != collection {
			continue
		}
		items = append(items, models.ExtractedItem{
			Sequence:     r.etag,
			Collection:   r.collection,
			ID:           r.id,
			Document:     copyDoc(r.doc),
			Tombstone:    tombstone,
			ChangeVector: fmt.Sprintf("A:%d", r.etag),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
