/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command archiver runs the background job that moves aged rows from the
// primary store into the archive store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/altairalabs/mailroute/internal/archive"
	"github.com/altairalabs/mailroute/internal/config"
	"github.com/altairalabs/mailroute/internal/dbpool"
	"github.com/altairalabs/mailroute/internal/routing"
	"github.com/altairalabs/mailroute/pkg/logging"
	"github.com/altairalabs/mailroute/pkg/metrics"
)

const envConfigPath = "MAILROUTE_CONFIG"

// flags groups all CLI flags for the archiver binary.
type flags struct {
	configPath  string
	metricsAddr string
	dryRun      bool
	once        bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "/etc/mailroute/config.yaml", "Path to topology config YAML")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics address (empty disables)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Select and log eligible rows without moving them")
	flag.BoolVar(&f.once, "once", false, "Run a single cycle and exit")
	flag.Parse()

	if f.configPath == "/etc/mailroute/config.yaml" && os.Getenv(envConfigPath) != "" {
		f.configPath = os.Getenv(envConfigPath)
	}
	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// --- Logger ---
	logs, err := logging.New()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logs.Sync()
	slog.SetDefault(logs.Slog)

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Metrics server (goroutine) ---
	promReg := newMetricsRegistry()
	if f.metricsAddr != "" {
		stop := startMetricsServer(f.metricsAddr, promReg, logs.Sugar)
		defer stop()
	}

	return runWithFlags(ctx, f, logs, promReg)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func startMetricsServer(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infow("starting metrics server", "addr", addr)
		if srvErr := srv.ListenAndServe(); srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
			log.Errorw("metrics server error", "error", srvErr)
		}
	}()
	return func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}
}

func runWithFlags(ctx context.Context, f *flags, logs *logging.Loggers, promReg *prometheus.Registry) error {
	log := logs.Sugar

	// --- Topology config ---
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if f.dryRun {
		cfg.Archiver.DryRun = true
	}
	if len(cfg.ArchivePolicies) == 0 {
		log.Info("no archive policies configured; exiting")
		return nil
	}

	// --- Components ---
	c, err := initComponents(cfg, logs, promReg)
	if err != nil {
		return err
	}
	defer c.cleanup()

	if f.once {
		result, err := c.engine.RunCycle(ctx)
		if err != nil {
			log.Errorw("archive cycle failed", "error", err)
			return err
		}
		log.Infow("archive cycle complete",
			"rowsArchived", result.RowsArchived,
			"batchesProcessed", result.BatchesProcessed,
			"tablesSkipped", result.TablesSkipped,
			"errors", len(result.Errors),
		)
		for _, e := range result.Errors {
			log.Warnw("non-fatal error", "error", e)
		}
		return nil
	}

	return c.engine.Run(ctx)
}

type components struct {
	engine  *archive.Engine
	cache   *dbpool.Cache
	cleanup func()
}

// initComponents wires the registry, pool cache, mirror, optional lock and
// engine, and returns a cleanup function that releases them in reverse order.
func initComponents(cfg *config.Config, logs *logging.Loggers, promReg *prometheus.Registry) (*components, error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	reg, err := routing.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}

	cache := dbpool.New(dbpool.Options{
		Breaker: dbpool.BreakerConfig{
			Enabled:     cfg.Breaker.Enabled,
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout.Duration,
		},
		Logger:  logs.Logr,
		Metrics: metrics.NewRoutingMetricsWithRegistry(promReg),
	})
	cleanups = append(cleanups, cache.Close)

	mirror, err := archive.NewPostgresMirror(cache, reg)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("creating archive mirror: %w", err)
	}

	var opts []archive.Option
	if len(cfg.Lock.Addrs) > 0 {
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    cfg.Lock.Addrs,
			Password: cfg.Lock.Password,
		})
		cleanups = append(cleanups, func() { _ = client.Close() })
		opts = append(opts, archive.WithLocker(
			archive.NewRedisLocker(client, cfg.Lock.Key, cfg.Lock.TTL.Duration),
		))
	}

	engine, err := archive.NewEngine(
		reg, cache, mirror,
		archive.ConfigFrom(cfg.Archiver),
		metrics.NewArchiveMetricsWithRegistry(promReg), logs.Sugar, opts...,
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("creating archive engine: %w", err)
	}

	return &components{engine: engine, cache: cache, cleanup: cleanup}, nil
}
