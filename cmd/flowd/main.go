// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command flowd is the durable execution daemon: it hosts the claim
// loop, the timer/recovery sweeps, and the HTTP control API over a
// single store backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/durableflow/flow/internal/adapter"
	"github.com/durableflow/flow/internal/api"
	"github.com/durableflow/flow/internal/config"
	"github.com/durableflow/flow/internal/coordinator"
	"github.com/durableflow/flow/internal/log"
	"github.com/durableflow/flow/internal/maintenance"
	"github.com/durableflow/flow/internal/metrics"
	"github.com/durableflow/flow/internal/store"
	"github.com/durableflow/flow/internal/store/postgres"
	"github.com/durableflow/flow/internal/store/sqlite"
	"github.com/durableflow/flow/internal/tracing"
	"github.com/durableflow/flow/internal/worker"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to flowd config file")
	listenAddr := flag.String("listen", "", "override listen.addr")
	backendType := flag.String("backend", "", "override backend.type (sqlite, postgres)")
	sqlitePath := flag.String("sqlite-path", "", "override backend.sqlite.path")
	postgresDSN := flag.String("postgres-dsn", "", "override backend.postgres.connection_string")
	concurrency := flag.Int("concurrency", 0, "override worker.concurrency")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowd %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *sqlitePath != "" {
		cfg.Backend.SQLite.Path = *sqlitePath
	}
	if *postgresDSN != "" {
		cfg.Backend.Postgres.ConnectionString = *postgresDSN
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "flowd: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("flowd exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	traceProvider, err := tracing.NewOTelProviderWithConfig(tracing.Config{
		Enabled:        os.Getenv("FLOW_TRACE_EXPORTER") != "",
		ServiceName:    "flowd",
		ServiceVersion: version,
		Sampling:       tracing.DefaultConfig().Sampling,
	}, traceExporterOptions()...)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", log.Error(err))
		}
	}()

	coord := coordinator.New(st, logger, coordinator.Config{
		Retry: coordinator.RetryPolicy{Base: cfg.Retry.BaseDelay, Cap: cfg.Retry.MaxDelay},
	})

	registry := adapter.NewRegistry()

	w := worker.New(st, coord, registry, logger, worker.Config{
		Queues:      cfg.Worker.Queues,
		Concurrency: cfg.Worker.Concurrency,
		PollRate:    rate.Limit(cfg.Worker.PollRateHz),
	})

	sweeper := maintenance.New(st, logger, maintenance.Config{
		TimerInterval: cfg.Timers.SweepInterval,
		StaleAfter:    cfg.Worker.StaleClaimAfter,
	})

	router := api.NewRouter(api.Config{Version: version, Commit: commit}, logger)
	router.SetMetricsHandler(metrics.Handler())
	api.NewWorkflowsHandler(coord).RegisterRoutes(router.Mux())
	api.NewExecutionsHandler(coord).RegisterRoutes(router.Mux())
	api.NewSignalsHandler(coord).RegisterRoutes(router.Mux())
	api.NewTasksHandler(registry).RegisterRoutes(router.Mux())

	srv := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", log.String("addr", cfg.Listen.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go w.Run(ctx)
	go sweeper.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", log.Error(err))
	}
	return nil
}

// traceExporterOptions selects a span exporter from FLOW_TRACE_EXPORTER
// ("otlp", "stdout", or unset for none) and wraps it in a batching
// TracerProviderOption. A construction failure degrades to no exporter
// rather than failing flowd's startup — tracing is diagnostic, not load
// bearing.
func traceExporterOptions() []sdktrace.TracerProviderOption {
	switch os.Getenv("FLOW_TRACE_EXPORTER") {
	case "otlp":
		exp, err := otlptracegrpc.New(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowd: otlp exporter disabled: %v\n", err)
			return nil
		}
		return []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exp)}
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowd: stdout exporter disabled: %v\n", err)
			return nil
		}
		return []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exp)}
	default:
		return nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Backend.Type {
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:      cfg.Backend.Postgres.ConnectionString,
			MaxConns: int32(cfg.Backend.Postgres.MaxConns),
		})
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Backend.SQLite.Path, WAL: true})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}
