// Package app assembles an ETL host from a configuration file: it opens the
// change feed, the checkpoint store and one sink per task, then builds and
// registers a process for every task.
package app

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/internal/etl"
	"github.com/ajitpratap0/nebula-etl/pkg/changefeed"
	cfmemory "github.com/ajitpratap0/nebula-etl/pkg/changefeed/memory"
	cfmongo "github.com/ajitpratap0/nebula-etl/pkg/changefeed/mongodb"
	cfpostgres "github.com/ajitpratap0/nebula-etl/pkg/changefeed/postgres"
	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	cpmemory "github.com/ajitpratap0/nebula-etl/pkg/checkpoint/memory"
	cppostgres "github.com/ajitpratap0/nebula-etl/pkg/checkpoint/postgres"
	cpsqlite "github.com/ajitpratap0/nebula-etl/pkg/checkpoint/sqlite"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink/registry"
	"github.com/ajitpratap0/nebula-etl/pkg/transform"
)

// DefaultWatchRetryDelay is how long Run waits before re-subscribing after
// the store notifier failed
const DefaultWatchRetryDelay = 5 * time.Second

// App is a configured host together with the resources it owns
type App struct {
	Config      *config.Config
	Host        *etl.Host
	Source      changefeed.Source
	Checkpoints checkpoint.Store

	// WatchRetryDelay overrides DefaultWatchRetryDelay when positive
	WatchRetryDelay time.Duration

	logger *zap.Logger
}

// Build opens every resource named by cfg and registers one process per
// task. Processes are not started. sinks may be nil to use the built-in
// sink types. On failure everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, sinks *registry.Registry, log *zap.Logger) (*App, error) {
	if log == nil {
		log = logger.Get()
	}
	if sinks == nil {
		sinks = registry.Default(log)
	}

	source, err := OpenSource(ctx, cfg.Source, log)
	if err != nil {
		return nil, err
	}
	checkpoints, err := OpenCheckpoints(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, multierr.Append(err, source.Close(ctx))
	}

	a := &App{
		Config:      cfg,
		Host:        etl.NewHost(checkpoints, log),
		Source:      source,
		Checkpoints: checkpoints,
		logger:      log.With(zap.String("component", "app")),
	}

	for _, task := range cfg.Tasks {
		if err := a.addTask(ctx, sinks, task); err != nil {
			return nil, multierr.Append(err, a.Close(ctx))
		}
	}

	a.Host.OnBatchCompleted(func(name string, stats etl.StatisticsSnapshot) {
		a.logger.Debug("batch completed",
			zap.String("process", name),
			zap.Uint64("last_processed_sequence", stats.LastProcessedSequence),
			zap.Int64("loaded", stats.LoadSuccess))
	})

	return a, nil
}

func (a *App) addTask(ctx context.Context, sinks *registry.Registry, task config.ProcessConfig) error {
	s, err := sinks.Open(ctx, task.Sink)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "open sink").WithDetail("task", task.Name)
	}

	p, err := etl.New(etl.Options{
		Config:      task,
		Source:      a.Source,
		Checkpoints: a.Checkpoints,
		Transforms:  transform.NewFactory(task.Transform),
		Sink:        s,
		Logger:      a.logger,
	})
	if err != nil {
		return multierr.Append(err, s.Close(ctx))
	}
	if err := a.Host.Add(p); err != nil {
		return multierr.Append(err, p.Dispose())
	}
	return nil
}

// Run starts every process and, when the source supports it and watching is
// enabled, forwards store notifications until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Host.Start()
	a.logger.Info("host started", zap.Int("processes", len(a.Host.Processes())))

	notifier, ok := a.Source.(changefeed.Notifier)
	if !a.Config.Source.Watch || !ok {
		<-ctx.Done()
		return nil
	}

	delay := a.WatchRetryDelay
	if delay <= 0 {
		delay = DefaultWatchRetryDelay
	}
	for {
		err := a.Host.Watch(ctx, notifier)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("change notifications interrupted",
			zap.Error(err),
			zap.Duration("retry_in", delay))

		// wake everyone so nothing written during the gap waits for the next write
		a.Host.NotifyAboutWork()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Close disposes the host and releases the source and checkpoint store
func (a *App) Close(ctx context.Context) error {
	err := a.Host.Dispose()
	err = multierr.Append(err, a.Source.Close(ctx))
	return multierr.Append(err, a.Checkpoints.Close())
}

// OpenSource opens the change feed named by cfg
func OpenSource(ctx context.Context, cfg config.SourceConfig, log *zap.Logger) (changefeed.Source, error) {
	switch cfg.Type {
	case "", "memory":
		return cfmemory.NewStore(), nil
	case "mongodb":
		src, err := cfmongo.Open(ctx, cfmongo.Config{
			URI:                 cfg.URI,
			Database:            cfg.Database,
			TombstoneCollection: cfg.TombstoneCollection,
		}, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "postgres":
		src, err := cfpostgres.Open(ctx, cfpostgres.Config{
			DSN:             cfg.URI,
			DocumentsTable:  cfg.DocumentsTable,
			TombstonesTable: cfg.TombstonesTable,
			NotifyChannel:   cfg.NotifyChannel,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := src.EnsureSchema(ctx); err != nil {
			return nil, multierr.Append(err, src.Close(ctx))
		}
		return src, nil
	default:
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unknown source type %q", cfg.Type)
	}
}

// OpenCheckpoints opens the checkpoint store named by cfg
func OpenCheckpoints(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return cpmemory.NewStore(), nil
	case "sqlite":
		store, err := cpsqlite.Open(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := cppostgres.Open(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unknown checkpoint type %q", cfg.Type)
	}
}

// TaskStatus is the stored checkpoint of one configured task
type TaskStatus struct {
	Task   string
	Found  bool
	Status checkpoint.ProcessStatus
}

// Statuses reads the checkpoint of every task in cfg
func Statuses(ctx context.Context, store checkpoint.Store, tasks []config.ProcessConfig) ([]TaskStatus, error) {
	out := make([]TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		status, found, err := checkpoint.Load(ctx, store, task.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, TaskStatus{Task: task.Name, Found: found, Status: status})
	}
	return out, nil
}
