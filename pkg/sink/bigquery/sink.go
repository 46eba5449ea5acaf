// Package bigquery streams transformed batches into BigQuery changelog
// tables. Every item is appended as a row with its sequence and deletion
// flag; the streaming insert ID "<key>@<sequence>" lets BigQuery drop rows
// re-delivered after a crash.
package bigquery

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// Config configures the sink
type Config struct {
	Project         string
	Dataset         string
	CredentialsFile string
	// Table overrides the per-collection table name
	Table string
}

// Schema of every changelog table
var Schema = bigquery.Schema{
	{Name: "key", Type: bigquery.StringFieldType, Required: true},
	{Name: "sequence", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "collection", Type: bigquery.StringFieldType, Required: true},
	{Name: "deleted", Type: bigquery.BooleanFieldType, Required: true},
	{Name: "fields", Type: bigquery.JSONFieldType},
	{Name: "loaded_at", Type: bigquery.TimestampFieldType, Required: true},
}

// Sink is a sink.Sink over the BigQuery streaming API
type Sink struct {
	cfg     Config
	client  *bigquery.Client
	dataset *bigquery.Dataset
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	inserters map[string]*bigquery.Inserter
}

var _ sink.Sink = (*Sink)(nil)

// Open creates the client
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "BigQuery sink requires project and dataset")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create BigQuery client")
	}

	return &Sink{
		cfg:       cfg,
		client:    client,
		dataset:   client.Dataset(cfg.Dataset),
		logger:    logger,
		now:       time.Now,
		inserters: make(map[string]*bigquery.Inserter),
	}, nil
}

// Name implements sink.Sink
func (s *Sink) Name() string { return "bigquery" }

// Row is one changelog row
type Row struct {
	item     models.TransformedItem
	loadedAt time.Time
}

// Save implements bigquery.ValueSaver
func (r Row) Save() (map[string]bigquery.Value, string, error) {
	values := map[string]bigquery.Value{
		"key":        r.item.Key,
		"sequence":   int64(r.item.Sequence),
		"collection": r.item.Collection,
		"deleted":    r.item.Deleted,
		"loaded_at":  r.loadedAt,
	}
	if !r.item.Deleted && r.item.Fields != nil {
		data, err := json.Marshal(r.item.Fields)
		if err != nil {
			return nil, "", err
		}
		values["fields"] = string(data)
	}
	return values, InsertID(r.item), nil
}

// InsertID is the deduplication ID of item
func InsertID(item models.TransformedItem) string {
	return item.Key + "@" + strconv.FormatUint(item.Sequence, 10)
}

func (s *Sink) tableFor(collection string) string {
	if s.cfg.Table != "" {
		return s.cfg.Table
	}
	return collection
}

// inserter creates the table on first use
func (s *Sink) inserter(ctx context.Context, table string) (*bigquery.Inserter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ins, ok := s.inserters[table]; ok {
		return ins, nil
	}

	handle := s.dataset.Table(table)
	if _, err := handle.Metadata(ctx); err != nil {
		var gerr *googleapi.Error
		if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to read table metadata").WithDetail("table", table)
		}
		if err := handle.Create(ctx, &bigquery.TableMetadata{Schema: Schema}); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to create table").WithDetail("table", table)
		}
		s.logger.Info("created changelog table", zap.String("dataset", s.cfg.Dataset), zap.String("table", table))
	}

	ins := handle.Inserter()
	s.inserters[table] = ins
	return ins, nil
}

// Load streams the batch, one Put per table
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) error {
	loadedAt := s.now().UTC()
	order, groups := sink.GroupByCollection(items)

	byTable := make(map[string][]*Row)
	var tables []string
	for _, collection := range order {
		table := s.tableFor(collection)
		if _, ok := byTable[table]; !ok {
			tables = append(tables, table)
		}
		for _, item := range groups[collection] {
			byTable[table] = append(byTable[table], &Row{item: item, loadedAt: loadedAt})
		}
	}

	for _, table := range tables {
		ins, err := s.inserter(ctx, table)
		if err != nil {
			return err
		}
		if err := ins.Put(ctx, byTable[table]); err != nil {
			var multi bigquery.PutMultiError
			if errors.As(err, &multi) {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "rows rejected").
					WithDetail("table", table).
					WithDetail("rejected", len(multi))
			}
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "streaming insert failed").WithDetail("table", table)
		}
	}
	return nil
}

// Close closes the client
func (s *Sink) Close(context.Context) error {
	return s.client.Close()
}
