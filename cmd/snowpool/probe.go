package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowpool/pkg/observability"
	"github.com/ajitpratap0/snowpool/pkg/poolmanager"
	"github.com/ajitpratap0/snowpool/pkg/resilience"
	"github.com/ajitpratap0/snowpool/pkg/session"
	"github.com/ajitpratap0/snowpool/pkg/sessionpool"
)

// ProbeReport is printed by the probe command.
type ProbeReport struct {
	Identity    string                         `json:"identity"`
	SessionID   string                         `json:"session_id"`
	LoginTime   time.Duration                  `json:"login_time"`
	ReuseTime   time.Duration                  `json:"reuse_time"`
	Reused      bool                           `json:"reused"`
	PingOK      bool                           `json:"ping_ok"`
	Breaker     resilience.CircuitBreakerState `json:"breaker"`
	PoolManager poolmanager.ManagerStats       `json:"pool_manager"`
}

func newProbeCommand(global *globalFlags) *cobra.Command {
	var envPrefix string
	var timeout time.Duration
	var output string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Borrow, ping and return a session against a real Snowflake account",
		Long: `Open a pool for the identity described by <prefix>_ACCOUNT, <prefix>_USER,
<prefix>_PASSWORD (and optional DATABASE, SCHEMA, WAREHOUSE, ROLE, TOKEN,
AUTHENTICATOR) environment variables, borrow a session twice to verify reuse
and print a JSON report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, global, envPrefix, timeout, output)
		},
	}
	cmd.Flags().StringVar(&envPrefix, "env-prefix", "SNOWFLAKE", "Prefix of the identity environment variables")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall probe timeout")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the JSON report to this file instead of stdout")
	return cmd
}

func runProbe(cmd *cobra.Command, global *globalFlags, envPrefix string, timeout time.Duration, output string) error {
	cfg, log, err := loadConfig(global)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	id := session.IdentityFromEnv(envPrefix)
	if err := id.Validate(); err != nil {
		return fmt.Errorf("identity from %s_* environment: %w", envPrefix, err)
	}

	tracing, err := observability.InitTracing(cfg.Tracing, version, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	factory := session.NewResilientFactory(session.NewSnowflakeFactory(cfg.Snowflake, log), cfg.Snowflake, log)
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

	poolCfg := cfg.DefaultPool
	poolCfg.WarmUp = false
	pool, err := manager.GetPool(ctx, id, poolCfg)
	if err != nil {
		return err
	}

	report := &ProbeReport{Identity: id.String()}

	start := time.Now()
	s, err := pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("borrow failed: %w", err)
	}
	report.LoginTime = time.Since(start)
	report.SessionID = s.ID

	pingErr := factory.Ping(ctx, s)
	report.PingOK = pingErr == nil
	if pingErr != nil {
		log.Warn("session ping failed", zap.String("session_id", s.ID), zap.Error(pingErr))
	}
	if err := pool.ReturnSession(s, report.PingOK); err != nil {
		return err
	}

	start = time.Now()
	again, err := pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("second borrow failed: %w", err)
	}
	report.ReuseTime = time.Since(start)
	report.Reused = again.ID == s.ID
	if err := pool.ReturnSession(again, true); err != nil {
		return err
	}

	report.Breaker = factory.BreakerState()
	report.PoolManager = manager.Stats()

	log.Info("probe finished",
		zap.String("identity", report.Identity),
		zap.Duration("login_time", report.LoginTime),
		zap.Bool("reused", report.Reused))
	return writeJSON(cmd, output, report)
}
