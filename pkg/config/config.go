// Package config provides the configuration model for nebula-etl.
//
// A Config describes one host: where changes are read from (Source), where
// checkpoints are kept (Checkpoint), engine-wide defaults (Engine) and the
// list of ETL tasks. Every task becomes one ProcessConfig, which is immutable
// once the process is built.
//
// Example usage:
//
//	cfg, err := config.LoadFile("etl.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, task := range cfg.Tasks {
//	    fmt.Println(task.Name, task.Sink.Type)
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/nebula-etl/pkg/logger"
)

const (
	// DefaultMaxItemsPerBatch caps how many items one iteration extracts
	DefaultMaxItemsPerBatch = 8192
	// DefaultBatchTimeout caps how long one iteration may extract and transform
	DefaultBatchTimeout = 30 * time.Second
	// DefaultInitialMemoryMB is the starting allocation ceiling of a batch
	DefaultInitialMemoryMB = 32
	// DefaultMaxMemoryMB is the hard maximum the ceiling may grow to
	DefaultMaxMemoryMB = 1024
)

// Fallback policy names
const (
	FallbackFixed       = "fixed"
	FallbackExponential = "exponential"
)

// Config is the top level configuration of a nebula-etl host.
type Config struct {
	Logging       logger.Config       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Source        SourceConfig        `yaml:"source"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Engine        EngineConfig        `yaml:"engine"`
	Tasks         []ProcessConfig     `yaml:"tasks"`
}

// ObservabilityConfig controls metrics exposure and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address of the Prometheus endpoint; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`
	// EnableTracing exports one span per ETL iteration
	EnableTracing bool `yaml:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`
	// ServiceName is reported as the OpenTelemetry service name
	ServiceName string `yaml:"service_name"`
}

// SourceConfig selects the change feed the host tails.
type SourceConfig struct {
	// Type is one of memory, mongodb, postgres
	Type string `yaml:"type"`
	// URI is the connection string of the document store
	URI string `yaml:"uri"`
	// Database is the MongoDB database name
	Database string `yaml:"database"`
	// TombstoneCollection holds deletion markers (MongoDB)
	TombstoneCollection string `yaml:"tombstone_collection"`
	// DocumentsTable and TombstonesTable name the relational change tables (PostgreSQL)
	DocumentsTable  string `yaml:"documents_table"`
	TombstonesTable string `yaml:"tombstones_table"`
	// NotifyChannel is the LISTEN channel signalled on writes (PostgreSQL)
	NotifyChannel string `yaml:"notify_channel"`
	// Watch enables store notifications that wake the processes
	Watch bool `yaml:"watch"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	// Type is one of memory, sqlite, postgres
	Type string `yaml:"type"`
	// DSN is the SQLite path or PostgreSQL connection string
	DSN string `yaml:"dsn"`
	// Table stores process status rows
	Table string `yaml:"table"`
}

// EngineConfig holds defaults applied to every task that leaves them unset.
type EngineConfig struct {
	MaxItemsPerBatch int            `yaml:"max_items_per_batch"`
	BatchTimeout     time.Duration  `yaml:"batch_timeout"`
	Memory           MemoryConfig   `yaml:"memory"`
	Fallback         FallbackConfig `yaml:"fallback"`
}

// MemoryConfig bounds the per-batch allocation budget.
type MemoryConfig struct {
	// InitialMB is the starting ceiling
	InitialMB int `yaml:"initial_mb"`
	// MaxMB is the hard maximum the ceiling may grow to
	MaxMB int `yaml:"max_mb"`
}

// FallbackConfig describes the delay armed after a failed load.
type FallbackConfig struct {
	// Policy is fixed or exponential
	Policy string `yaml:"policy"`
	// Delay is the fixed delay, or the first delay of the exponential policy
	Delay time.Duration `yaml:"delay"`
	// Multiplier grows the exponential delay per consecutive failure
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps the exponential delay
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ProcessConfig is the immutable configuration of one ETL task.
type ProcessConfig struct {
	// Name identifies the task and keys its checkpoint
	Name string `yaml:"name"`
	// Tag names the kind of ETL, e.g. "SQL ETL"
	Tag string `yaml:"tag"`
	// Disabled tasks are never started
	Disabled bool `yaml:"disabled"`
	// Collection filters the change feed
	Collection string `yaml:"collection"`

	MaxItemsPerBatch int            `yaml:"max_items_per_batch"`
	BatchTimeout     time.Duration  `yaml:"batch_timeout"`
	Memory           MemoryConfig   `yaml:"memory"`
	Fallback         FallbackConfig `yaml:"fallback"`

	Transform TransformConfig `yaml:"transform"`
	Sink      SinkConfig      `yaml:"sink"`
}

// TransformConfig configures the field mapping transform.
type TransformConfig struct {
	// Type is mapping (default) or passthrough
	Type string `yaml:"type"`
	// Target overrides the sink table/collection/topic; defaults to the source collection
	Target  string            `yaml:"target"`
	Include []string          `yaml:"include"`
	Exclude []string          `yaml:"exclude"`
	Rename  map[string]string `yaml:"rename"`
	Require []string          `yaml:"require"`
}

// SinkConfig selects and configures the sink of a task.
type SinkConfig struct {
	// Type is one of jsonfile, postgres, mysql, sqlite, snowflake, mongodb, kafka, s3, gcs, bigquery
	Type string `yaml:"type"`

	// Relational sinks
	DSN       string `yaml:"dsn"`
	Table     string `yaml:"table"`
	KeyColumn string `yaml:"key_column"`

	// File sink
	Path string `yaml:"path"`

	// Document sink
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`

	// Kafka sink
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	Encoding string   `yaml:"encoding"` // json or avro

	// Object sinks
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	Compression string `yaml:"compression"` // none, zstd, lz4

	// BigQuery sink
	Project         string `yaml:"project"`
	Dataset         string `yaml:"dataset"`
	CredentialsFile string `yaml:"credentials_file"`

	// Timeout bounds a single Load call
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultEngineConfig returns engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxItemsPerBatch: DefaultMaxItemsPerBatch,
		BatchTimeout:     DefaultBatchTimeout,
		Memory: MemoryConfig{
			InitialMB: DefaultInitialMemoryMB,
			MaxMB:     DefaultMaxMemoryMB,
		},
		Fallback: FallbackConfig{
			Policy:     FallbackExponential,
			Delay:      time.Second,
			Multiplier: 2.0,
			MaxDelay:   60 * time.Second,
		},
	}
}

// NewProcessConfig creates a ProcessConfig with engine defaults.
func NewProcessConfig(name, collection string) ProcessConfig {
	pc := ProcessConfig{Name: name, Collection: collection}
	pc.ApplyDefaults(DefaultEngineConfig())
	return pc
}

// ApplyDefaults fills unset fields from the engine defaults.
func (pc *ProcessConfig) ApplyDefaults(def EngineConfig) {
	if pc.Tag == "" {
		pc.Tag = "ETL"
	}
	if pc.MaxItemsPerBatch <= 0 {
		pc.MaxItemsPerBatch = def.MaxItemsPerBatch
	}
	if pc.BatchTimeout <= 0 {
		pc.BatchTimeout = def.BatchTimeout
	}
	if pc.Memory.InitialMB <= 0 {
		pc.Memory.InitialMB = def.Memory.InitialMB
	}
	if pc.Memory.MaxMB <= 0 {
		pc.Memory.MaxMB = def.Memory.MaxMB
	}
	if pc.Fallback.Policy == "" {
		pc.Fallback.Policy = def.Fallback.Policy
	}
	if pc.Fallback.Delay <= 0 {
		pc.Fallback.Delay = def.Fallback.Delay
	}
	if pc.Fallback.Multiplier <= 0 {
		pc.Fallback.Multiplier = def.Fallback.Multiplier
	}
	if pc.Fallback.MaxDelay <= 0 {
		pc.Fallback.MaxDelay = def.Fallback.MaxDelay
	}
	if pc.Transform.Type == "" {
		pc.Transform.Type = "mapping"
	}
}

// Validate validates the process configuration.
func (pc *ProcessConfig) Validate() error {
	if pc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if pc.Collection == "" {
		return fmt.Errorf("task %s: collection is required", pc.Name)
	}
	if pc.MaxItemsPerBatch <= 0 {
		return fmt.Errorf("task %s: max_items_per_batch must be positive", pc.Name)
	}
	if pc.BatchTimeout <= 0 {
		return fmt.Errorf("task %s: batch_timeout must be positive", pc.Name)
	}
	if pc.Memory.InitialMB <= 0 || pc.Memory.MaxMB < pc.Memory.InitialMB {
		return fmt.Errorf("task %s: memory.max_mb must be >= memory.initial_mb > 0", pc.Name)
	}
	switch pc.Fallback.Policy {
	case FallbackFixed, FallbackExponential:
	default:
		return fmt.Errorf("task %s: unknown fallback policy %q", pc.Name, pc.Fallback.Policy)
	}
	if pc.Sink.Type == "" {
		return fmt.Errorf("task %s: sink.type is required", pc.Name)
	}
	return nil
}

// ApplyDefaults fills unset sections of the host configuration.
func (c *Config) ApplyDefaults() {
	def := DefaultEngineConfig()
	if c.Engine.MaxItemsPerBatch > 0 {
		def.MaxItemsPerBatch = c.Engine.MaxItemsPerBatch
	}
	if c.Engine.BatchTimeout > 0 {
		def.BatchTimeout = c.Engine.BatchTimeout
	}
	if c.Engine.Memory.InitialMB > 0 {
		def.Memory.InitialMB = c.Engine.Memory.InitialMB
	}
	if c.Engine.Memory.MaxMB > 0 {
		def.Memory.MaxMB = c.Engine.Memory.MaxMB
	}
	if c.Engine.Fallback.Policy != "" {
		def.Fallback = c.Engine.Fallback
		if def.Fallback.Multiplier <= 0 {
			def.Fallback.Multiplier = 2.0
		}
	}
	c.Engine = def

	if c.Source.Type == "" {
		c.Source.Type = "memory"
	}
	if c.Source.TombstoneCollection == "" {
		c.Source.TombstoneCollection = "tombstones"
	}
	if c.Source.DocumentsTable == "" {
		c.Source.DocumentsTable = "documents"
	}
	if c.Source.TombstonesTable == "" {
		c.Source.TombstonesTable = "tombstones"
	}
	if c.Source.NotifyChannel == "" {
		c.Source.NotifyChannel = "nebula_etl_changes"
	}
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = "memory"
	}
	if c.Checkpoint.Table == "" {
		c.Checkpoint.Table = "etl_process_status"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "nebula-etl"
	}

	for i := range c.Tasks {
		c.Tasks[i].ApplyDefaults(c.Engine)
	}
}

// Validate validates the host configuration and every task.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case "memory", "mongodb", "postgres":
	default:
		return fmt.Errorf("unknown source type %q", c.Source.Type)
	}
	switch c.Checkpoint.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown checkpoint type %q", c.Checkpoint.Type)
	}
	if c.Checkpoint.Type != "memory" && c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint.dsn is required for %s", c.Checkpoint.Type)
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i := range c.Tasks {
		if err := c.Tasks[i].Validate(); err != nil {
			return err
		}
		if seen[c.Tasks[i].Name] {
			return fmt.Errorf("duplicate task name %q", c.Tasks[i].Name)
		}
		seen[c.Tasks[i].Name] = true
	}
	return nil
}

// MemoryBytes converts a megabyte count to bytes.
func MemoryBytes(mb int) uint64 {
	return uint64(mb) * 1024 * 1024
}
