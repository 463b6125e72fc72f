// Package poolmanager resolves identities to session pools under the active
// pool strategy and runs the background eviction sweep.
//
// Two strategies exist: MultiPool keeps one pool per identity key, and
// SingleSharedPool sends every identity to one process-wide pool with pooling
// forced on. Switching strategy or clearing retires every existing pool.
package poolmanager

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/metrics"
	"github.com/ajitpratap0/snowpool/pkg/observability"
	"github.com/ajitpratap0/snowpool/pkg/session"
	"github.com/ajitpratap0/snowpool/pkg/sessionpool"
)

const defaultEvictionInterval = 30 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithSelector injects the strategy selector. By default each Manager owns a
// fresh selector at DefaultVersion.
func WithSelector(s *Selector) Option {
	return func(m *Manager) {
		if s != nil {
			m.selector = s
		}
	}
}

// WithLogger sets the manager's logger. Pools inherit it.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEvictionInterval sets the period of the background eviction sweep.
func WithEvictionInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.evictionInterval = d
		}
	}
}

// WithPoolOptions appends options applied to every pool the manager builds.
func WithPoolOptions(opts ...sessionpool.Option) Option {
	return func(m *Manager) {
		m.poolOptions = append(m.poolOptions, opts...)
	}
}

// WithTracer sets the tracer used for pool resolution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// Manager is the entry point of the pooling layer.
type Manager struct {
	factory          session.Factory
	selector         *Selector
	logger           *zap.Logger
	tracer           trace.Tracer
	evictionInterval time.Duration
	poolOptions      []sessionpool.Option
	now              func() time.Time

	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerStats reports the active strategy and every live pool.
type ManagerStats struct {
	Version string      `json:"version"`
	Pools   []PoolStats `json:"pools"`
}

// PoolStats describes one live pool.
type PoolStats struct {
	Identity  string            `json:"identity"`
	CreatedAt time.Time         `json:"created_at"`
	Stats     sessionpool.Stats `json:"stats"`
}

// New creates a manager that opens sessions through factory.
func New(factory session.Factory, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "session factory is required")
	}

	m := &Manager{
		factory:          factory,
		logger:           zap.NewNop(),
		tracer:           otel.Tracer("snowpool/poolmanager"),
		evictionInterval: defaultEvictionInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "pool_manager"))

	if m.selector == nil {
		sel, err := NewSelector(DefaultVersion, m.logger)
		if err != nil {
			return nil, err
		}
		m.selector = sel
	}
	return m, nil
}

// NewFromConfig builds a selector and manager from process configuration.
// opts are applied after the configured ones.
func NewFromConfig(cfg *config.ManagerConfig, factory session.Factory, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version, err := ParseVersion(cfg.PoolVersion)
	if err != nil {
		return nil, err
	}
	sel, err := NewSelector(version, logger)
	if err != nil {
		return nil, err
	}
	return New(factory, append([]Option{
		WithSelector(sel),
		WithLogger(logger),
		WithEvictionInterval(cfg.EvictionInterval),
	}, opts...)...)
}

// GetPool resolves identity to its pool under the active strategy, building
// the pool on first use. Invalid identities and configs are rejected with a
// configuration error in both strategies.
func (m *Manager) GetPool(ctx context.Context, identity session.Identity, cfg config.PoolConfig) (*sessionpool.Pool, error) {
	if m.closed.Load() {
		return nil, errors.New(errors.ErrorTypeInvalidState, "pool manager is closed")
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "poolmanager.get_pool")
	defer span.End()

	key := identity.Key()
	for {
		st := m.selector.current()
		span.SetAttributes(attribute.String("snowpool.version", st.version.String()))

		p, err := st.active().get(ctx, key, m.builder(st.version, identity, cfg))
		if stderrors.Is(err, errRetired) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		}
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		return p, nil
	}
}

func (m *Manager) builder(version Version, identity session.Identity, cfg config.PoolConfig) buildFunc {
	return func(ctx context.Context) (*sessionpool.Pool, error) {
		opts := append([]sessionpool.Option{sessionpool.WithLogger(m.logger)}, m.poolOptions...)
		if version == SingleSharedPool {
			cfg.PoolingEnabled = true
			opts = append(opts,
				sessionpool.WithForcedPooling(),
				sessionpool.WithMetricsLabel("shared"))
		}

		p, err := sessionpool.New(identity, m.factory, cfg, opts...)
		if err != nil {
			return nil, err
		}

		m.logger.Info("session pool created",
			zap.Stringer("version", version),
			zap.String("identity", identity.String()),
			zap.Int("max_size", cfg.MaxSize))

		if cfg.WarmUp {
			if err := p.Prewarm(ctx); err != nil {
				m.logger.Warn("pool warm-up incomplete",
					zap.String("identity", identity.String()),
					zap.Error(err))
			}
		}
		return p, nil
	}
}

// ClearAllPools retires every pool of the active strategy. Sessions idle in
// them are closed now; sessions still checked out are closed when returned.
// Close failures are aggregated and returned after all pools are processed.
func (m *Manager) ClearAllPools() error {
	err := m.selector.Clear()
	m.logger.Info("all session pools cleared", zap.Bool("errors", err != nil))
	return err
}

// GetPoolVersion returns the active strategy.
func (m *Manager) GetPoolVersion() Version {
	return m.selector.Version()
}

// SetPoolVersion switches strategy, retiring all pools of the previous one.
func (m *Manager) SetPoolVersion(v Version) error {
	return m.selector.SetVersion(v)
}

// ResetPoolVersion restores the default strategy with empty registries.
func (m *Manager) ResetPoolVersion() error {
	return m.selector.Reset()
}

// EvictIdle runs one eviction pass over every live pool and returns the
// number of sessions removed.
func (m *Manager) EvictIdle() int {
	timer := metrics.NewTimer("eviction_sweep")
	now := m.now()

	evicted := 0
	for _, p := range m.selector.current().pools() {
		evicted += p.Evict(now)
	}

	metrics.EvictionSweeps.Observe(timer.Stop().Seconds())
	if evicted > 0 {
		m.logger.Debug("eviction sweep finished", zap.Int("evicted", evicted))
	}
	return evicted
}

// Start launches the background eviction sweep. It stops when ctx is done or
// Close is called. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.closed.Load() {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.evictionLoop(ctx, m.done)

	m.logger.Info("eviction sweep started", zap.Duration("interval", m.evictionInterval))
}

func (m *Manager) evictionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// Stats returns the active strategy and per-pool statistics.
func (m *Manager) Stats() ManagerStats {
	st := m.selector.current()
	pools := st.pools()

	out := ManagerStats{
		Version: st.version.String(),
		Pools:   make([]PoolStats, 0, len(pools)),
	}
	for _, p := range pools {
		out.Pools = append(out.Pools, PoolStats{
			Identity:  p.Identity().String(),
			CreatedAt: p.CreatedAt(),
			Stats:     p.Stats(),
		})
	}
	return out
}

// Close stops the eviction sweep and retires all pools.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	err := m.selector.Clear()
	m.logger.Info("pool manager closed")
	return err
}
