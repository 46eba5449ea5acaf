// Package checkpoint persists the per-process ETL status.
//
// The status of a process is a single record keyed by KeyPrefix + name that
// holds the last sequence whose effects were loaded into the sink. Reads and
// writes go through explicit transactions: an ETL iteration reads its
// checkpoint in a read transaction kept open for the extraction and, after a
// successful load, commits the new value in a separate write transaction.
package checkpoint

import (
	"context"
	"time"
)

// KeyPrefix prefixes every process status key
const KeyPrefix = "etl/process-status/"

// Key returns the storage key of the named process
func Key(name string) string {
	return KeyPrefix + name
}

// ProcessStatus is the durable record of one ETL process
type ProcessStatus struct {
	Name                  string    `json:"name"`
	LastProcessedSequence uint64    `json:"last_processed_sequence"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ReadTx is a read-only view of the store
type ReadTx interface {
	// Get returns the status of name; found is false when no record exists
	Get(ctx context.Context, name string) (status ProcessStatus, found bool, err error)
	// Close releases the view
	Close(ctx context.Context) error
}

// WriteTx is a read-write transaction. Changes become visible on Commit.
type WriteTx interface {
	Get(ctx context.Context, name string) (status ProcessStatus, found bool, err error)
	Put(ctx context.Context, status ProcessStatus) error
	Delete(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	// Rollback discards the transaction. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// Store opens checkpoint transactions
type Store interface {
	BeginRead(ctx context.Context) (ReadTx, error)
	BeginWrite(ctx context.Context) (WriteTx, error)
	Close() error
}

// Load reads the status of name in its own read transaction.
func Load(ctx context.Context, store Store, name string) (ProcessStatus, bool, error) {
	tx, err := store.BeginRead(ctx)
	if err != nil {
		return ProcessStatus{}, false, err
	}
	defer func() { _ = tx.Close(ctx) }()
	return tx.Get(ctx, name)
}

// Save writes status in its own committed write transaction.
func Save(ctx context.Context, store Store, status ProcessStatus) error {
	tx, err := store.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.Put(ctx, status); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Remove deletes the status of name in its own committed write transaction.
func Remove(ctx context.Context, store Store, name string) error {
	tx, err := store.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.Delete(ctx, name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
