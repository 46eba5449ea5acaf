// Package sqlite implements a checkpoint store on SQLite through database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// DefaultTable stores process status rows
const DefaultTable = "etl_process_status"

// Store is a checkpoint.Store backed by a SQLite database file
type Store struct {
	db    *sql.DB
	table string
}

var _ checkpoint.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and ensures the
// status table exists
func Open(ctx context.Context, path, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to open SQLite checkpoint store")
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		last_processed_sequence INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	)`, quoteIdent(table))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to create checkpoint table")
	}

	return &Store{db: db, table: quoteIdent(table)}, nil
}

// BeginRead implements checkpoint.Store
func (s *Store) BeginRead(ctx context.Context) (checkpoint.ReadTx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to begin read transaction")
	}
	return &txn{tx: tx, table: s.table}, nil
}

// BeginWrite implements checkpoint.Store
func (s *Store) BeginWrite(ctx context.Context) (checkpoint.WriteTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to begin write transaction")
	}
	return &txn{tx: tx, table: s.table}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

type txn struct {
	tx    *sql.Tx
	table string
}

func (t *txn) Get(ctx context.Context, name string) (checkpoint.ProcessStatus, bool, error) {
	var status checkpoint.ProcessStatus
	var seq int64
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT name, last_processed_sequence, updated_at FROM %s WHERE key = ?", t.table),
		checkpoint.Key(name)).Scan(&status.Name, &seq, &status.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.ProcessStatus{}, false, nil
	}
	if err != nil {
		return checkpoint.ProcessStatus{}, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to read process status").
			WithDetail("process", name)
	}
	status.LastProcessedSequence = uint64(seq)
	return status, true, nil
}

func (t *txn) Put(ctx context.Context, status checkpoint.ProcessStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, name, last_processed_sequence, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name,
			last_processed_sequence = excluded.last_processed_sequence,
			updated_at = excluded.updated_at`, t.table),
		checkpoint.Key(status.Name), status.Name, int64(status.LastProcessedSequence), status.UpdatedAt.UTC())
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to write process status").
			WithDetail("process", status.Name)
	}
	return nil
}

func (t *txn) Delete(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", t.table), checkpoint.Key(name))
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to delete process status").
			WithDetail("process", name)
	}
	return nil
}

func (t *txn) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to commit checkpoint")
	}
	return nil
}

func (t *txn) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Close ends a read transaction
func (t *txn) Close(ctx context.Context) error {
	return t.Rollback(ctx)
}

func quoteIdent(name string) string {
	out := []byte{'"'}
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
