// Package postgres loads transformed batches into PostgreSQL tables with
// pgx. Each target collection maps to a table of (key, sequence, document)
// rows; a batch is applied in one transaction.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// DefaultKeyColumn names the primary key column
const DefaultKeyColumn = "id"

// Config configures the sink
type Config struct {
	DSN string
	// Table overrides the per-collection table name
	Table     string
	KeyColumn string
}

// Sink is a sink.Sink over a pgx pool
type Sink struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	ensured map[string]statements
}

var _ sink.Sink = (*Sink)(nil)

type statements struct {
	create string
	upsert string
	delete string
}

// buildStatements renders the DDL and DML for table. Writes only apply
// when they are not older than the stored row, so a re-delivered batch
// never rolls a row back.
func buildStatements(table, keyColumn string) statements {
	t := pgx.Identifier{table}.Sanitize()
	k := pgx.Identifier{keyColumn}.Sanitize()
	return statements{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, t, k),
		upsert: fmt.Sprintf(`INSERT INTO %[1]s AS t (%[2]s, sequence, document) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (%[2]s) DO UPDATE SET sequence = EXCLUDED.sequence, document = EXCLUDED.document, updated_at = now()
WHERE t.sequence <= EXCLUDED.sequence`, t, k),
		delete: fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND sequence <= $2", t, k),
	}
}

// Open connects to PostgreSQL
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = DefaultKeyColumn
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create PostgreSQL pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to ping PostgreSQL")
	}
	return &Sink{pool: pool, cfg: cfg, logger: logger, ensured: make(map[string]statements)}, nil
}

// Name implements sink.Sink
func (s *Sink) Name() string { return "postgres" }

func (s *Sink) tableFor(collection string) string {
	if s.cfg.Table != "" {
		return s.cfg.Table
	}
	return collection
}

// statementsFor creates table on first use
func (s *Sink) statementsFor(ctx context.Context, table string) (statements, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.ensured[table]; ok {
		return st, nil
	}
	st := buildStatements(table, s.cfg.KeyColumn)
	if _, err := s.pool.Exec(ctx, st.create); err != nil {
		return statements{}, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to create table").WithDetail("table", table)
	}
	s.ensured[table] = st
	s.logger.Info("ensured sink table", zap.String("table", table))
	return st, nil
}

// Load applies the batch in a single transaction
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		st, err := s.statementsFor(ctx, s.tableFor(item.Collection))
		if err != nil {
			return err
		}
		if item.Deleted {
			batch.Queue(st.delete, item.Key, int64(item.Sequence))
			continue
		}
		doc, err := json.Marshal(item.Fields)
		if err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode document").WithDetail("key", item.Key)
		}
		batch.Queue(st.upsert, item.Key, int64(item.Sequence), string(doc))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to apply batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to commit batch")
	}
	return nil
}

// Close closes the pool
func (s *Sink) Close(context.Context) error {
	s.pool.Close()
	return nil
}
