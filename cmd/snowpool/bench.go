package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowpool/internal/loadgen"
	"github.com/ajitpratap0/snowpool/pkg/observability"
	"github.com/ajitpratap0/snowpool/pkg/poolmanager"
	"github.com/ajitpratap0/snowpool/pkg/session"
	"github.com/ajitpratap0/snowpool/pkg/sessionpool"
)

type benchFlags struct {
	strategy       string
	workers        int
	identities     int
	operations     int64
	duration       time.Duration
	hold           time.Duration
	waitTimeout    time.Duration
	maxSize        int
	rate           float64
	unhealthyEvery int64
	openDelay      time.Duration
	metricsAddr    string
	output         string
}

func newBenchCommand(global *globalFlags) *cobra.Command {
	defaults := loadgen.DefaultConfig()
	flags := &benchFlags{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive synthetic borrow/return load through the pool manager",
		Long: `Run concurrent workers that borrow, hold and return sessions from an
in-memory session factory and print a JSON report.

Example:
  snowpool bench --strategy single_shared_pool --workers 32 --duration 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, global, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.strategy, "strategy", "", "Pool strategy (multi_pool, single_shared_pool); defaults to the configured pool_version")
	f.IntVar(&flags.workers, "workers", defaults.Workers, "Concurrent borrowers")
	f.IntVar(&flags.identities, "identities", defaults.Identities, "Distinct identities to rotate over")
	f.Int64Var(&flags.operations, "operations", 0, "Total borrows (0 = until --duration)")
	f.DurationVar(&flags.duration, "duration", defaults.Duration, "Run duration")
	f.DurationVar(&flags.hold, "hold", defaults.HoldTime, "Time each session is held")
	f.DurationVar(&flags.waitTimeout, "wait-timeout", defaults.WaitTimeout, "Borrow wait timeout")
	f.IntVar(&flags.maxSize, "max-size", 0, "Per-pool max size (0 = configured default_pool.max_size)")
	f.Float64Var(&flags.rate, "rate", 0, "Borrows per second across all workers (0 = unlimited)")
	f.Int64Var(&flags.unhealthyEvery, "unhealthy-every", 0, "Return every Nth session as unhealthy")
	f.DurationVar(&flags.openDelay, "open-delay", 0, "Simulated session login latency")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.StringVarP(&flags.output, "output", "o", "", "Write the JSON report to this file instead of stdout")
	return cmd
}

func runBench(cmd *cobra.Command, global *globalFlags, flags *benchFlags) error {
	cfg, log, err := loadConfig(global)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tracing, err := observability.InitTracing(cfg.Tracing, version, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if flags.strategy != "" {
		cfg.PoolVersion = flags.strategy
	}
	factory := session.NewMemoryFactory()
	factory.SetOpenDelay(flags.openDelay)

	manager, err := poolmanager.NewFromConfig(cfg, factory, log,
		poolmanager.WithTracer(tracing.Tracer()),
		poolmanager.WithPoolOptions(sessionpool.WithMeter(tracing.Meter())))
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warn("pool manager close reported errors", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	manager.Start(ctx)

	addr := flags.metricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Address
	}
	if addr != "" {
		srv := serveMetrics(addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	loadCfg := loadgen.Config{
		Workers:        flags.workers,
		Identities:     flags.identities,
		Operations:     flags.operations,
		Duration:       flags.duration,
		HoldTime:       flags.hold,
		WaitTimeout:    flags.waitTimeout,
		Rate:           flags.rate,
		UnhealthyEvery: flags.unhealthyEvery,
		Pool:           cfg.DefaultPool,
	}
	if flags.operations > 0 && !cmd.Flags().Changed("duration") {
		loadCfg.Duration = 0
	}
	if flags.maxSize > 0 {
		loadCfg.Pool.MaxSize = flags.maxSize
		if loadCfg.Pool.MinSize > flags.maxSize {
			loadCfg.Pool.MinSize = flags.maxSize
		}
	}

	runner, err := loadgen.New(manager, loadCfg, log)
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd, flags.output, report)
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func writeJSON(cmd *cobra.Command, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", path)
	return nil
}
