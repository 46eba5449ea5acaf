// Package postgres implements a checkpoint store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// DefaultTable stores process status rows
const DefaultTable = "etl_process_status"

// Store is a checkpoint.Store backed by a PostgreSQL table
type Store struct {
	pool    *pgxpool.Pool
	queries queries
}

var _ checkpoint.Store = (*Store)(nil)

type queries struct {
	create string
	get    string
	put    string
	delete string
}

func buildQueries(table string) queries {
	t := pgx.Identifier{table}.Sanitize()
	return queries{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	last_processed_sequence BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, t),
		get: fmt.Sprintf("SELECT name, last_processed_sequence, updated_at FROM %s WHERE key = $1", t),
		put: fmt.Sprintf(`INSERT INTO %s (key, name, last_processed_sequence, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name,
	last_processed_sequence = EXCLUDED.last_processed_sequence,
	updated_at = EXCLUDED.updated_at`, t),
		delete: fmt.Sprintf("DELETE FROM %s WHERE key = $1", t),
	}
}

// Open connects to PostgreSQL and ensures the status table exists
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create PostgreSQL pool")
	}

	s := &Store{pool: pool, queries: buildQueries(table)}
	if _, err := pool.Exec(ctx, s.queries.create); err != nil {
		pool.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to create checkpoint table")
	}
	return s, nil
}

// BeginRead implements checkpoint.Store
func (s *Store) BeginRead(ctx context.Context) (checkpoint.ReadTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to begin read transaction")
	}
	return &txn{tx: tx, q: s.queries}, nil
}

// BeginWrite implements checkpoint.Store
func (s *Store) BeginWrite(ctx context.Context) (checkpoint.WriteTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to begin write transaction")
	}
	return &txn{tx: tx, q: s.queries}, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type txn struct {
	tx pgx.Tx
	q  queries
}

func (t *txn) Get(ctx context.Context, name string) (checkpoint.ProcessStatus, bool, error) {
	var status checkpoint.ProcessStatus
	var seq int64
	err := t.tx.QueryRow(ctx, t.q.get, checkpoint.Key(name)).Scan(&status.Name, &seq, &status.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := t.tx.Exec(ctx, t.q.put, checkpoint.Key(status.Name), status.Name,
		int64(status.LastProcessedSequence), status.UpdatedAt); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to write process status").
			WithDetail("process", status.Name)
	}
	return nil
}

func (t *txn) Delete(ctx context.Context, name string) error {
	if _, err := t.tx.Exec(ctx, t.q.delete, checkpoint.Key(name)); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to delete process status").
			WithDetail("process", name)
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "failed to commit checkpoint")
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *txn) Close(ctx context.Context) error {
	return t.Rollback(ctx)
}
