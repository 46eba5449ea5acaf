// Package memory implements an in-process checkpoint store.
//
// Read transactions see a snapshot taken when they begin. Write transactions
// are serialized and buffer their changes until Commit. Records are kept
// JSON-encoded, the same shape the SQL stores persist.
package memory

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// Store is a checkpoint.Store kept in memory
type Store struct {
	mu      sync.RWMutex
	writer  sync.Mutex
	records map[string][]byte
	commits int
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{records: make(map[string][]byte)}
}

// BeginRead implements checkpoint.Store
func (s *Store) BeginRead(ctx context.Context) (checkpoint.ReadTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string][]byte, len(s.records))
	for k, v := range s.records {
		snap[k] = v
	}
	return &readTx{records: snap}, nil
}

// BeginWrite implements checkpoint.Store. It blocks while another write
// transaction is open.
func (s *Store) BeginWrite(ctx context.Context) (checkpoint.WriteTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.writer.Lock()
	return &writeTx{store: s, puts: make(map[string][]byte), deletes: make(map[string]bool)}, nil
}

// Commits returns the number of committed write transactions
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Close implements checkpoint.Store
func (s *Store) Close() error {
	return nil
}

func decode(data []byte) (checkpoint.ProcessStatus, error) {
	var status checkpoint.ProcessStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return status, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to decode process status")
	}
	return status, nil
}

type readTx struct {
	records map[string][]byte
	closed  bool
}

func (tx *readTx) Get(_ context.Context, name string) (checkpoint.ProcessStatus, bool, error) {
	if tx.closed {
		return checkpoint.ProcessStatus{}, false, nebulaerrors.New(nebulaerrors.ErrorTypeCheckpoint, "read transaction is closed")
	}
	data, ok := tx.records[checkpoint.Key(name)]
	if !ok {
		return checkpoint.ProcessStatus{}, false, nil
	}
	status, err := decode(data)
	return status, err == nil, err
}

func (tx *readTx) Close(context.Context) error {
	tx.closed = true
	return nil
}

type writeTx struct {
	store   *Store
	puts    map[string][]byte
	deletes map[string]bool
	done    bool
}

func (tx *writeTx) Get(_ context.Context, name string) (checkpoint.ProcessStatus, bool, error) {
	if tx.done {
		return checkpoint.ProcessStatus{}, false, nebulaerrors.New(nebulaerrors.ErrorTypeCheckpoint, "write transaction is finished")
	}
	key := checkpoint.Key(name)
	if tx.deletes[key] {
		return checkpoint.ProcessStatus{}, false, nil
	}
	data, ok := tx.puts[key]
	if !ok {
		tx.store.mu.RLock()
		data, ok = tx.store.records[key]
		tx.store.mu.RUnlock()
	}
	if !ok {
		return checkpoint.ProcessStatus{}, false, nil
	}
	status, err := decode(data)
	return status, err == nil, err
}

func (tx *writeTx) Put(_ context.Context, status checkpoint.ProcessStatus) error {
	if tx.done {
		return nebulaerrors.New(nebulaerrors.ErrorTypeCheckpoint, "write transaction is finished")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to encode process status")
	}
	key := checkpoint.Key(status.Name)
	delete(tx.deletes, key)
	tx.puts[key] = data
	return nil
}

func (tx *writeTx) Delete(_ context.Context, name string) error {
	if tx.done {
		return nebulaerrors.New(nebulaerrors.ErrorTypeCheckpoint, "write transaction is finished")
	}
	key := checkpoint.Key(name)
	delete(tx.puts, key)
	tx.deletes[key] = true
	return nil
}

func (tx *writeTx) Commit(context.Context) error {
	if tx.done {
		return nebulaerrors.New(nebulaerrors.ErrorTypeCheckpoint, "write transaction is finished")
	}

	tx.store.mu.Lock()
	for k := range tx.deletes {
		delete(tx.store.records, k)
	}
	for k, v := range tx.puts {
		tx.store.records[k] = v
	}
	tx.store.commits++
	tx.store.mu.Unlock()

	tx.finish()
	return nil
}

func (tx *writeTx) Rollback(context.Context) error {
	if !tx.done {
		tx.finish()
	}
	return nil
}

func (tx *writeTx) finish() {
	tx.done = true
	tx.store.writer.Unlock()
}
