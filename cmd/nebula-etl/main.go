package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/internal/app"
	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/observability"
	"github.com/ajitpratap0/nebula-etl/pkg/sink/registry"
)

var version = "0.1.0"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	v := viper.New()
	v.SetEnvPrefix("NEBULA_ETL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "nebula-etl",
		Short: "Nebula ETL - continuous change-feed ETL host",
		Long: `Nebula ETL tails the change feed of a document store and keeps every
configured sink up to date, one checkpointed batch at a time.

Every flag can also be set through a NEBULA_ETL_* environment variable,
e.g. NEBULA_ETL_LOG_LEVEL=debug.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "etl.yaml", "Path to the host configuration YAML file")
	root.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	_ = v.BindPFlags(root.PersistentFlags())

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Nebula ETL v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Sinks command lists the sink types tasks may use
	root.AddCommand(&cobra.Command{
		Use:   "sinks",
		Short: "List available sink types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available Sinks:")
			for _, typ := range registry.Default(zap.NewNop()).Types() {
				fmt.Printf("  - %s\n", typ)
			}
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ETL host",
		Long: `Run every task of the configuration until SIGINT or SIGTERM.

Example:
  nebula-etl run --config etl.yaml --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(v)
		},
	}
	runCmd.Flags().String("metrics-addr", "", "Listen address of the Prometheus endpoint; overrides observability.metrics_addr")
	_ = v.BindPFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	root.AddCommand(checkpointsCommand(v))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkpointsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the stored checkpoint of every task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := app.OpenCheckpoints(ctx, cfg.Checkpoint)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			statuses, err := app.Statuses(ctx, store, cfg.Tasks)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tLAST SEQUENCE\tUPDATED")
			for _, s := range statuses {
				if !s.Found {
					fmt.Fprintf(w, "%s\t-\t-\n", s.Task)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", s.Task, s.Status.LastProcessedSequence, s.Status.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <task>",
		Short: "Delete the checkpoint of a task so it restarts from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := app.OpenCheckpoints(ctx, cfg.Checkpoint)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := checkpoint.Remove(ctx, store, args[0]); err != nil {
				return err
			}
			fmt.Printf("checkpoint of %s removed\n", args[0])
			return nil
		},
	})

	return cmd
}

// loadConfig reads the configuration file and applies flag and environment
// overrides
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadFile(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if addr := v.GetString("metrics-addr"); addr != "" {
		cfg.Observability.MetricsAddr = addr
	}
	return cfg, nil
}

func runHost(v *viper.Viper) (err error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	if cfg.Observability.EnableTracing {
		shutdown, initErr := observability.Init(observability.TracingConfig{
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: version,
			SamplingRate:   cfg.Observability.TracingSampleRate,
		})
		if initErr != nil {
			return initErr
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = multierr.Append(err, shutdown(ctx))
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := serveMetrics(addr, log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	a, err := app.Build(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, a.Close(ctx))
		log.Info("host stopped")
	}()

	return a.Run(ctx)
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
