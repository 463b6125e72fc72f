// Package loadgen drives concurrent borrow/hold/return traffic through a pool
// manager and reports latency and outcome counts.
package loadgen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/metrics"
	"github.com/ajitpratap0/snowpool/pkg/poolmanager"
	"github.com/ajitpratap0/snowpool/pkg/session"
)

// Config describes one load run.
type Config struct {
	// Workers is the number of concurrent borrowers
	Workers int `json:"workers"`
	// Identities is the number of distinct identities the workers rotate over
	Identities int `json:"identities"`
	// Operations caps the total borrows; 0 runs until Duration elapses
	Operations int64 `json:"operations"`
	// Duration bounds the run; 0 means no bound beyond Operations
	Duration time.Duration `json:"duration"`
	// HoldTime is how long a worker keeps each session
	HoldTime time.Duration `json:"hold_time"`
	// WaitTimeout is passed to GetSession
	WaitTimeout time.Duration `json:"wait_timeout"`
	// Rate limits borrows per second across all workers; 0 is unlimited
	Rate float64 `json:"rate"`
	// UnhealthyEvery returns every Nth session as unhealthy; 0 never does
	UnhealthyEvery int64 `json:"unhealthy_every"`

	Pool config.PoolConfig `json:"pool"`
}

// DefaultConfig returns a short run against small pools.
func DefaultConfig() Config {
	pool := config.DefaultPoolConfig()
	pool.MinSize = 0
	return Config{
		Workers:     8,
		Identities:  2,
		Duration:    5 * time.Second,
		HoldTime:    2 * time.Millisecond,
		WaitTimeout: time.Second,
		Pool:        pool,
	}
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return errors.New(errors.ErrorTypeConfig, "workers must be at least 1")
	case c.Identities < 1:
		return errors.New(errors.ErrorTypeConfig, "identities must be at least 1")
	case c.Operations < 0 || c.Duration < 0 || c.HoldTime < 0 || c.Rate < 0 || c.UnhealthyEvery < 0:
		return errors.New(errors.ErrorTypeConfig, "load parameters cannot be negative")
	case c.Operations == 0 && c.Duration == 0:
		return errors.New(errors.ErrorTypeConfig, "either operations or duration must be set")
	}
	return c.Pool.Validate()
}

// Report summarizes a finished run.
type Report struct {
	Version      string                   `json:"version"`
	Workers      int                      `json:"workers"`
	Identities   int                      `json:"identities"`
	Borrowed     int64                    `json:"borrowed"`
	Unhealthy    int64                    `json:"unhealthy"`
	Timeouts     int64                    `json:"timeouts"`
	Reresolved   int64                    `json:"reresolved"`
	Errors       int64                    `json:"errors"`
	Elapsed      time.Duration            `json:"elapsed"`
	OpsPerSecond float64                  `json:"ops_per_second"`
	WaitP50      time.Duration            `json:"wait_p50"`
	WaitP95      time.Duration            `json:"wait_p95"`
	WaitP99      time.Duration            `json:"wait_p99"`
	Pools        poolmanager.ManagerStats `json:"pools"`
}

// Runner issues load against a manager.
type Runner struct {
	manager    *poolmanager.Manager
	cfg        Config
	logger     *zap.Logger
	identities []session.Identity
	limiter    *rate.Limiter
	latency    *metrics.LatencyTracker

	issued     atomic.Int64
	borrowed   atomic.Int64
	unhealthy  atomic.Int64
	timeouts   atomic.Int64
	reresolved atomic.Int64
	failures   atomic.Int64
}

// New prepares a run. The manager is borrowed, not owned: Run never closes it.
func New(manager *poolmanager.Manager, cfg Config, logger *zap.Logger) (*Runner, error) {
	if manager == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "pool manager is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		manager: manager,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "loadgen")),
		latency: metrics.NewLatencyTracker(100000),
	}
	for i := 0; i < cfg.Identities; i++ {
		r.identities = append(r.identities, Identity(i))
	}
	if cfg.Rate > 0 {
		burst := int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return r, nil
}

// Identity returns the synthetic identity used for slot n.
func Identity(n int) session.Identity {
	return session.Identity{
		Account:   "loadgen",
		User:      fmt.Sprintf("worker%d", n),
		Password:  "loadgen",
		Database:  "loadgen",
		Warehouse: "loadgen_wh",
	}
}

// Run blocks until the operation budget is spent, Duration elapses or ctx is
// cancelled, then returns the report. Cancellation of ctx is not an error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	r.logger.Info("load run starting",
		zap.Int("workers", r.cfg.Workers),
		zap.Int("identities", r.cfg.Identities),
		zap.Int64("operations", r.cfg.Operations),
		zap.Duration("duration", r.cfg.Duration),
		zap.Stringer("version", r.manager.GetPoolVersion()))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report := r.report(elapsed)
	r.logger.Info("load run finished",
		zap.Int64("borrowed", report.Borrowed),
		zap.Int64("timeouts", report.Timeouts),
		zap.Int64("errors", report.Errors),
		zap.Float64("ops_per_second", report.OpsPerSecond))
	return report, nil
}

func (r *Runner) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		n := r.issued.Add(1)
		if r.cfg.Operations > 0 && n > r.cfg.Operations {
			return
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		id := r.identities[(int(n)+worker)%len(r.identities)]
		r.once(ctx, id, n)
	}
}

func (r *Runner) once(ctx context.Context, id session.Identity, n int64) {
	// A strategy switch or clear may retire the pool between GetPool and
	// GetSession; re-resolve and try again.
	for ctx.Err() == nil {
		pool, err := r.manager.GetPool(ctx, id, r.cfg.Pool)
		if err != nil {
			r.fail(ctx, "get_pool", err)
			return
		}

		start := time.Now()
		s, err := pool.GetSession(ctx, r.cfg.WaitTimeout)
		switch {
		case errors.IsInvalidState(err):
			r.reresolved.Add(1)
			continue
		case errors.IsPoolTimeout(err):
			r.timeouts.Add(1)
			return
		case err != nil:
			r.fail(ctx, "borrow", err)
			return
		}
		r.latency.Record(time.Since(start))
		r.borrowed.Add(1)

		if r.cfg.HoldTime > 0 {
			t := time.NewTimer(r.cfg.HoldTime)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}

		healthy := r.cfg.UnhealthyEvery == 0 || n%r.cfg.UnhealthyEvery != 0
		if !healthy {
			r.unhealthy.Add(1)
		}
		if err := pool.ReturnSession(s, healthy); err != nil {
			r.fail(ctx, "return", err)
		}
		return
	}
}

func (r *Runner) fail(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	r.failures.Add(1)
	r.logger.Warn("load operation failed", zap.String("op", op), zap.Error(err))
}

func (r *Runner) report(elapsed time.Duration) *Report {
	borrowed := r.borrowed.Load()
	rep := &Report{
		Version:    r.manager.GetPoolVersion().String(),
		Workers:    r.cfg.Workers,
		Identities: r.cfg.Identities,
		Borrowed:   borrowed,
		Unhealthy:  r.unhealthy.Load(),
		Timeouts:   r.timeouts.Load(),
		Reresolved: r.reresolved.Load(),
		Errors:     r.failures.Load(),
		Elapsed:    elapsed,
		WaitP50:    r.latency.GetPercentile(50),
		WaitP95:    r.latency.GetPercentile(95),
		WaitP99:    r.latency.GetPercentile(99),
		Pools:      r.manager.Stats(),
	}
	if elapsed > 0 {
		rep.OpsPerSecond = float64(borrowed) / elapsed.Seconds()
	}
	return rep
}
