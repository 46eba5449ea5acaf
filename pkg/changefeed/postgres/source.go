// Package postgres reads an etag-ordered change feed from PostgreSQL change
// tables and wakes processes through LISTEN/NOTIFY.
//
// The documents table holds the latest version of each document:
//
//	etag BIGINT, collection TEXT, id TEXT, body JSONB, change_vector TEXT
//
// and the tombstones table the same columns without body. EnsureSchema
// creates both plus triggers that NOTIFY the configured channel with the
// collection name on every write.
package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// Config contains PostgreSQL source configuration
type Config struct {
	DSN             string
	DocumentsTable  string
	TombstonesTable string
	NotifyChannel   string
}

func (c *Config) applyDefaults() {
	if c.DocumentsTable == "" {
		c.DocumentsTable = "documents"
	}
	if c.TombstonesTable == "" {
		c.TombstonesTable = "tombstones"
	}
	if c.NotifyChannel == "" {
		c.NotifyChannel = "nebula_etl_changes"
	}
}

// Source implements changefeed.Source and changefeed.Notifier on PostgreSQL
type Source struct {
	config Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

var _ changefeed.Source = (*Source)(nil)
var _ changefeed.Notifier = (*Source)(nil)

// Open creates a connection pool and verifies connectivity
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Source, error) {
	config.applyDefaults()

	pool, err := pgxpool.New(ctx, config.DSN)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create PostgreSQL pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to ping PostgreSQL")
	}

	return &Source{
		config: config,
		logger: logger.With(zap.String("component", "changefeed"), zap.String("source", "postgres")),
		pool:   pool,
	}, nil
}

// EnsureSchema creates the change tables and notify triggers if missing
func (s *Source) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.config) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create change feed schema")
		}
	}
	return nil
}

// Documents implements changefeed.Source
func (s *Source) Documents(ctx context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	rows, err := s.pool.Query(ctx, selectQuery(s.config.DocumentsTable, true), int64(from), collection)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to query documents").
			WithDetail("collection", collection)
	}
	return &cursor{rows: rows, withBody: true}, nil
}

// Tombstones implements changefeed.Source
func (s *Source) Tombstones(ctx context.Context, collection string, from uint64) (changefeed.Cursor, error) {
	rows, err := s.pool.Query(ctx, selectQuery(s.config.TombstonesTable, false), int64(from), collection)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to query tombstones").
			WithDetail("collection", collection)
	}
	return &cursor{rows: rows}, nil
}

// Watch implements changefeed.Notifier with LISTEN/NOTIFY
func (s *Source) Watch(ctx context.Context, onChange func(collection string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to acquire listen connection")
	}
	defer conn.Release()

	channel := pgx.Identifier{s.config.NotifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to LISTEN")
	}

	s.logger.Info("listening for changes", zap.String("channel", s.config.NotifyChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "notification wait failed")
		}
		onChange(n.Payload)
	}
}

// Close closes the connection pool
func (s *Source) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func selectQuery(table string, withBody bool) string {
	body := ""
	if withBody {
		body = ", body"
	}
	return fmt.Sprintf(
		"SELECT etag, collection, id, COALESCE(change_vector, '')%s FROM %s "+
			"WHERE etag >= $1 AND ($2 = '' OR collection = $2) ORDER BY etag",
		body, pgx.Identifier{table}.Sanitize())
}

func schemaStatements(c Config) []string {
	docs := pgx.Identifier{c.DocumentsTable}.Sanitize()
	tombs := pgx.Identifier{c.TombstonesTable}.Sanitize()
	fn := pgx.Identifier{c.NotifyChannel + "_notify"}.Sanitize()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	etag BIGINT PRIMARY KEY,
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB,
	change_vector TEXT,
	UNIQUE (collection, id)
)`, docs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	etag BIGINT PRIMARY KEY,
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	change_vector TEXT,
	UNIQUE (collection, id)
)`, tombs),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%s, NEW.collection);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, fn, quoteLiteral(c.NotifyChannel)),
	}

	for _, table := range []string{c.DocumentsTable, c.TombstonesTable} {
		trigger := pgx.Identifier{table + "_notify"}.Sanitize()
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, pgx.Identifier{table}.Sanitize()),
			fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
				trigger, pgx.Identifier{table}.Sanitize(), fn))
	}
	return stmts
}

func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}

type cursor struct {
	rows     pgx.Rows
	withBody bool
	item     models.ExtractedItem
	err      error
}

func (c *cursor) Next(context.Context) bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}

	var (
		etag int64
		item models.ExtractedItem
		body []byte
	)
	dest := []any{&etag, &item.Collection, &item.ID, &item.ChangeVector}
	if c.withBody {
		dest = append(dest, &body)
	}
	if err := c.rows.Scan(dest...); err != nil {
		c.err = nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to scan change row")
		return false
	}

	item.Sequence = uint64(etag)
	item.Tombstone = !c.withBody
	if c.withBody {
		item.Document = map[string]interface{}{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &item.Document); err != nil {
				c.err = nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to decode document body").
					WithDetail("id", item.ID)
				return false
			}
		}
	}
	c.item = item
	return true
}

func (c *cursor) Item() models.ExtractedItem { return c.item }

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *cursor) Close(context.Context) error {
	c.rows.Close()
	return nil
}
