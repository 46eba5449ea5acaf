// Package registry maps sink types from the configuration to sink
// constructors.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/compression"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
	bqsink "github.com/ajitpratap0/nebula-etl/pkg/sink/bigquery"
	"github.com/ajitpratap0/nebula-etl/pkg/sink/jsonfile"
	kafkasink "github.com/ajitpratap0/nebula-etl/pkg/sink/kafka"
	mongosink "github.com/ajitpratap0/nebula-etl/pkg/sink/mongodb"
	"github.com/ajitpratap0/nebula-etl/pkg/sink/object"
	pgsink "github.com/ajitpratap0/nebula-etl/pkg/sink/postgres"
	"github.com/ajitpratap0/nebula-etl/pkg/sink/sqldb"
)

// Factory creates a sink from its configuration
type Factory func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error)

// Registry manages sink factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = logger.Get()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    log.With(zap.String("component", "sink_registry")),
	}
}

// Default returns a registry with every built-in sink registered
func Default(log *zap.Logger) *Registry {
	r := NewRegistry(log)
	for name, f := range builtins() {
		// names are unique
		_ = r.Register(name, f)
	}
	return r
}

// Register adds a factory for typ
func (r *Registry) Register(typ string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "sink type %s already registered", typ)
	}
	r.factories[typ] = factory
	r.logger.Debug("sink type registered", zap.String("type", typ))
	return nil
}

// Types lists the registered sink types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Open creates the sink named by cfg.Type
func (r *Registry) Open(ctx context.Context, cfg config.SinkConfig) (sink.Sink, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "sink type %s not found", cfg.Type)
	}

	s, err := factory(ctx, cfg, r.logger.With(zap.String("sink", cfg.Type)))
	if err != nil {
		return nil, err
	}
	r.logger.Info("sink opened", zap.String("type", cfg.Type))
	return s, nil
}

func builtins() map[string]Factory {
	sql := func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
		return sqldb.Open(ctx, sqldb.Config{Type: cfg.Type, DSN: cfg.DSN, Table: cfg.Table, KeyColumn: cfg.KeyColumn}, log)
	}

	return map[string]Factory{
		"jsonfile": func(_ context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			return jsonfile.Open(cfg.Path, log)
		},
		"postgres": func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			return pgsink.Open(ctx, pgsink.Config{DSN: cfg.DSN, Table: cfg.Table, KeyColumn: cfg.KeyColumn}, log)
		},
		"mysql":     sql,
		"sqlite":    sql,
		"snowflake": sql,
		"mongodb": func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			return mongosink.Open(ctx, mongosink.Config{URI: cfg.URI, Database: cfg.Database, Collection: cfg.Collection}, log)
		},
		"kafka": func(_ context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			return kafkasink.Open(kafkasink.Config{Brokers: cfg.Brokers, Topic: cfg.Topic, Encoding: cfg.Encoding}, log)
		},
		"s3": func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			algorithm, err := compression.ParseAlgorithm(cfg.Compression)
			if err != nil {
				return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid compression")
			}
			u, err := object.NewS3Uploader(ctx, object.S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint})
			if err != nil {
				return nil, err
			}
			return object.New("s3", u, cfg.Prefix, algorithm, log), nil
		},
		"gcs": func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			algorithm, err := compression.ParseAlgorithm(cfg.Compression)
			if err != nil {
				return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid compression")
			}
			u, err := object.NewGCSUploader(ctx, object.GCSConfig{Bucket: cfg.Bucket, CredentialsFile: cfg.CredentialsFile})
			if err != nil {
				return nil, err
			}
			return object.New("gcs", u, cfg.Prefix, algorithm, log), nil
		},
		"bigquery": func(ctx context.Context, cfg config.SinkConfig, log *zap.Logger) (sink.Sink, error) {
			return bqsink.Open(ctx, bqsink.Config{
				Project:         cfg.Project,
				Dataset:         cfg.Dataset,
				CredentialsFile: cfg.CredentialsFile,
				Table:           cfg.Table,
			}, log)
		},
	}
}
