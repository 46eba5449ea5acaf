// Package sqldb loads transformed batches into MySQL, SQLite or Snowflake
// through database/sql. Rows carry the source sequence and a write only
// applies when it is not older than the stored row.
package sqldb

import (
	"context"
	"database/sql"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	// database/sql drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// DefaultKeyColumn names the primary key column
const DefaultKeyColumn = "id"

// Config configures the sink
type Config struct {
	// Type selects the dialect: mysql, sqlite or snowflake
	Type string
	DSN  string
	// Table overrides the per-collection table name
	Table     string
	KeyColumn string
}

// Sink is a sink.Sink over database/sql
type Sink struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]statements
}

var _ sink.Sink = (*Sink)(nil)

// Open opens and pings the database
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	dialect, ok := Dialects[cfg.Type]
	if !ok {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unsupported SQL sink type %q", cfg.Type)
	}
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = DefaultKeyColumn
	}

	db, err := sql.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to open database").WithDetail("driver", dialect.Driver)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to ping database").WithDetail("driver", dialect.Driver)
	}

	return &Sink{db: db, dialect: dialect, cfg: cfg, logger: logger, ensured: make(map[string]statements)}, nil
}

// Name implements sink.Sink
func (s *Sink) Name() string { return s.cfg.Type }

func (s *Sink) tableFor(collection string) string {
	if s.cfg.Table != "" {
		return s.cfg.Table
	}
	return collection
}

func (s *Sink) statementsFor(ctx context.Context, table string) (statements, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.ensured[table]; ok {
		return st, nil
	}
	st := s.dialect.statements(table, s.cfg.KeyColumn)
	if _, err := s.db.ExecContext(ctx, st.create); err != nil {
		return statements{}, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to create table").WithDetail("table", table)
	}
	s.ensured[table] = st
	s.logger.Info("ensured sink table", zap.String("table", table), zap.String("dialect", s.cfg.Type))
	return st, nil
}

// Load applies the batch in one transaction
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) (err error) {
	order, groups := sink.GroupByCollection(items)
	prepared := make(map[string]statements, len(order))
	for _, collection := range order {
		if prepared[collection], err = s.statementsFor(ctx, s.tableFor(collection)); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, collection := range order {
		st := prepared[collection]
		for _, item := range groups[collection] {
			if err = s.apply(ctx, tx, st, item); err != nil {
				return err
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to commit batch")
	}
	return nil
}

func (s *Sink) apply(ctx context.Context, tx *sql.Tx, st statements, item models.TransformedItem) error {
	if item.Deleted {
		if _, err := tx.ExecContext(ctx, st.delete, item.Key, int64(item.Sequence)); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to delete row").WithDetail("key", item.Key)
		}
		return nil
	}

	doc, err := json.Marshal(item.Fields)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode document").WithDetail("key", item.Key)
	}
	if _, err := tx.ExecContext(ctx, st.upsert, item.Key, int64(item.Sequence), string(doc)); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to upsert row").WithDetail("key", item.Key)
	}
	return nil
}

// Close closes the database handle
func (s *Sink) Close(context.Context) error {
	return s.db.Close()
}
