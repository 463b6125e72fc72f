package sessionpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/metrics"
	"github.com/ajitpratap0/snowpool/pkg/session"
)

const defaultCloseTimeout = 30 * time.Second

// Destroy reasons reported to metrics and logs.
const (
	reasonUnhealthy    = "unhealthy"
	reasonUnpooled     = "unpooled"
	reasonExpired      = "expired"
	reasonPoolClosed   = "pool_closed"
	reasonPoolingOff   = "pooling_disabled"
	reasonOverCapacity = "over_capacity"
)

// Pool is the borrow/return/eviction engine for the sessions of one identity.
//
// Invariant: busy + pending + len(idle) <= MaxSize, where busy counts pooled
// sessions checked out, pending counts reserved creations in flight, and idle
// is a LIFO stack. Unpooled sessions are tracked but do not consume capacity.
type Pool struct {
	identity      session.Identity
	factory       session.Factory
	logger        *zap.Logger
	metrics       *metrics.PoolCollector
	metricsLabel  string
	meter         metric.Meter
	now           func() time.Time
	closeTimeout  time.Duration
	forcedPooling bool
	createdAt     time.Time

	mu      sync.Mutex
	cfg     config.PoolConfig
	idle    []*session.Session
	busy    map[*session.Session]bool // value reports whether the session is pooled
	inUse   int                       // pooled entries of busy
	pending int
	waiters waitlist
	closed  bool

	created   atomic.Int64
	destroyed atomic.Int64
	reused    atomic.Int64
	timeouts  atomic.Int64
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Size           int   `json:"size"`
	Idle           int   `json:"idle"`
	Busy           int   `json:"busy"`
	Pending        int   `json:"pending"`
	Waiting        int   `json:"waiting"`
	Unpooled       int   `json:"unpooled"`
	MaxSize        int   `json:"max_size"`
	PoolingEnabled bool  `json:"pooling_enabled"`
	Closed         bool  `json:"closed"`
	Created        int64 `json:"created"`
	Destroyed      int64 `json:"destroyed"`
	Reused         int64 `json:"reused"`
	Timeouts       int64 `json:"timeouts"`
}

// New creates an empty pool. No session is opened until the first borrow or
// an explicit Prewarm.
func New(identity session.Identity, factory session.Factory, cfg config.PoolConfig, opts ...Option) (*Pool, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "session factory is required")
	}

	p := &Pool{
		identity:     identity,
		factory:      factory,
		logger:       zap.NewNop(),
		metricsLabel: identity.String() + "#" + identity.Fingerprint(),
		now:          time.Now,
		closeTimeout: defaultCloseTimeout,
		cfg:          cfg,
		busy:         make(map[*session.Session]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.forcedPooling {
		p.cfg.PoolingEnabled = true
	}

	p.createdAt = p.now()
	p.metrics = metrics.NewPoolCollector(p.metricsLabel, metrics.WithMeter(p.meter))
	p.logger = p.logger.With(
		zap.String("component", "session_pool"),
		zap.String("pool", identity.String()))

	p.logger.Debug("session pool created",
		zap.Int("min_size", cfg.MinSize),
		zap.Int("max_size", cfg.MaxSize),
		zap.Bool("pooling_enabled", p.cfg.PoolingEnabled),
		zap.Duration("idle_expiration", cfg.IdleExpiration))

	return p, nil
}

// Borrow is GetSession bounded by the configured BorrowWaitTimeout.
func (p *Pool) Borrow(ctx context.Context) (*session.Session, error) {
	p.mu.Lock()
	timeout := p.cfg.BorrowWaitTimeout
	p.mu.Unlock()
	return p.GetSession(ctx, timeout)
}

// GetSession checks out a session. With pooling enabled it reuses the most
// recently returned idle session, opens a new one while capacity remains, and
// otherwise waits up to waitTimeout for a return. A waitTimeout <= 0 on a
// saturated pool fails immediately with a pool timeout error.
func (p *Pool) GetSession(ctx context.Context, waitTimeout time.Duration) (*session.Session, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closedError()
	}

	if !p.poolingLocked() {
		p.mu.Unlock()
		s, err := p.openUnpooled(ctx)
		return p.observe(start, s, err)
	}

	s, stale := p.popIdleLocked(p.now())
	if s != nil {
		p.checkoutLocked(s)
		p.publishLocked()
		p.mu.Unlock()
		p.metrics.SessionReused()
		p.destroyAll(stale, reasonExpired)
		return p.observe(start, s, nil)
	}

	if p.sizeLocked() < p.cfg.MaxSize {
		p.pending++
		p.publishLocked()
		p.mu.Unlock()
		p.destroyAll(stale, reasonExpired)
		s, err := p.create(ctx)
		return p.observe(start, s, err)
	}

	if waitTimeout <= 0 {
		p.timeouts.Add(1)
		p.mu.Unlock()
		p.destroyAll(stale, reasonExpired)
		return nil, p.timeoutError(waitTimeout)
	}

	w := p.waiters.push()
	p.publishLocked()
	p.mu.Unlock()
	p.destroyAll(stale, reasonExpired)

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case g := <-w.ch:
		s, err := p.accept(ctx, g)
		return p.observe(start, s, err)
	case <-timer.C:
		return nil, p.abandon(w, p.timeoutError(waitTimeout))
	case <-ctx.Done():
		return nil, p.abandon(w, ctx.Err())
	}
}

// ReturnSession checks a session back in. Unhealthy sessions, unpooled
// sessions and returns to a closed pool are destroyed through the factory; a
// close failure is returned as a session close error after capacity has
// been released. Healthy sessions go to the longest waiting caller or onto
// the idle stack.
func (p *Pool) ReturnSession(s *session.Session, healthy bool) error {
	if s == nil {
		return errors.New(errors.ErrorTypeInvalidState, "cannot return a nil session")
	}

	p.mu.Lock()
	pooled, ok := p.busy[s]
	if !ok {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeInvalidState, "session is not checked out from this pool").
			WithDetail("session_id", s.ID).
			WithDetail("pool", p.identity.String())
	}
	delete(p.busy, s)
	if pooled {
		p.inUse--
	}
	if !healthy {
		s.MarkUnhealthy()
	}

	now := p.now()
	reason := ""
	switch {
	case !pooled:
		reason = reasonUnpooled
	case !s.Healthy():
		reason = reasonUnhealthy
	case p.closed:
		reason = reasonPoolClosed
	case !p.poolingLocked():
		reason = reasonPoolingOff
	case p.sizeLocked() >= p.cfg.MaxSize:
		reason = reasonOverCapacity
	default:
		s.Touch(now)
		p.idle = append(p.idle, s)
	}

	stale := p.dispatchLocked(now)
	p.publishLocked()
	p.mu.Unlock()

	p.destroyAll(stale, reasonExpired)
	if reason != "" {
		return p.destroy(s, reason)
	}
	return nil
}

// Evict destroys idle sessions that have been unused longer than the idle
// expiration as of now, and returns how many were removed. The idle stack is
// partitioned under the lock; sessions are closed after it is released.
func (p *Pool) Evict(now time.Time) int {
	p.mu.Lock()
	if p.closed || p.cfg.IdleExpiration <= 0 || len(p.idle) == 0 {
		p.mu.Unlock()
		return 0
	}

	kept := make([]*session.Session, 0, len(p.idle))
	var expired []*session.Session
	for _, s := range p.idle {
		if !s.Healthy() || p.expiredLocked(s, now) {
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	expired = append(expired, p.dispatchLocked(now)...)
	p.publishLocked()
	p.mu.Unlock()

	if len(expired) > 0 {
		p.logger.Debug("evicting idle sessions", zap.Int("count", len(expired)))
		p.destroyAll(expired, reasonExpired)
	}
	return len(expired)
}

// GetPooling reports whether returned sessions are recycled.
func (p *Pool) GetPooling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poolingLocked()
}

// SetPooling enables or disables recycling for this pool. Pools built with
// WithForcedPooling ignore attempts to disable it. Disabling destroys the idle
// sessions and sends waiters down the unpooled path.
func (p *Pool) SetPooling(enabled bool) {
	p.mu.Lock()
	if p.forcedPooling && !enabled {
		p.mu.Unlock()
		p.logger.Debug("ignoring request to disable pooling on a forced pool")
		return
	}
	if p.cfg.PoolingEnabled == enabled {
		p.mu.Unlock()
		return
	}
	p.cfg.PoolingEnabled = enabled

	var drained []*session.Session
	if !enabled {
		drained = p.idle
		p.idle = nil
	}
	stale := p.dispatchLocked(p.now())
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Info("pooling toggled", zap.Bool("enabled", enabled))
	p.destroyAll(drained, reasonPoolingOff)
	p.destroyAll(stale, reasonExpired)
}

// SetMaxSize changes the capacity. Growing hands new capacity to waiters;
// shrinking destroys surplus idle sessions, and surplus busy sessions are
// destroyed as they are returned.
func (p *Pool) SetMaxSize(n int) error {
	if n < 1 {
		return errors.New(errors.ErrorTypeConfig, "max_size must be at least 1").
			WithDetail("max_size", n)
	}

	p.mu.Lock()
	p.cfg.MaxSize = n
	if p.cfg.MinSize > n {
		p.cfg.MinSize = n
	}

	var surplus []*session.Session
	for len(p.idle) > 0 && p.sizeLocked() > n {
		surplus = append(surplus, p.idle[0])
		p.idle[0] = nil
		p.idle = p.idle[1:]
	}
	stale := p.dispatchLocked(p.now())
	p.publishLocked()
	p.mu.Unlock()

	p.destroyAll(surplus, reasonOverCapacity)
	p.destroyAll(stale, reasonExpired)
	return nil
}

// SetIdleExpiration changes the idle expiration. Zero disables expiry.
func (p *Pool) SetIdleExpiration(d time.Duration) error {
	if d < 0 {
		return errors.New(errors.ErrorTypeConfig, "idle_expiration cannot be negative")
	}
	p.mu.Lock()
	p.cfg.IdleExpiration = d
	p.mu.Unlock()
	return nil
}

// Prewarm opens sessions until the pool holds MinSize of them. It stops at
// the first factory failure.
func (p *Pool) Prewarm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || !p.poolingLocked() || p.sizeLocked() >= p.cfg.MinSize || p.sizeLocked() >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		p.mu.Unlock()

		s, err := p.factory.Open(ctx, p.identity)

		p.mu.Lock()
		p.pending--
		if err != nil {
			stale := p.dispatchLocked(p.now())
			p.publishLocked()
			p.mu.Unlock()
			p.destroyAll(stale, reasonExpired)
			p.metrics.OpenFailed()
			return p.creationError(err)
		}
		p.created.Add(1)
		p.metrics.SessionCreated(true)
		if p.closed {
			p.mu.Unlock()
			_ = p.destroy(s, reasonPoolClosed)
			return p.closedError()
		}
		p.idle = append(p.idle, s)
		stale := p.dispatchLocked(p.now())
		p.publishLocked()
		p.mu.Unlock()
		p.destroyAll(stale, reasonExpired)
	}
}

// Close retires the pool. Idle sessions are destroyed, waiters fail with an
// invalid state error, and sessions still checked out are destroyed when
// returned. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	closedErr := p.closedError()
	for w := p.waiters.pop(); w != nil; w = p.waiters.pop() {
		w.ch <- grant{err: closedErr}
	}
	busy := len(p.busy)
	p.mu.Unlock()

	err := p.destroyAll(idle, reasonPoolClosed)
	p.metrics.Unregister()

	p.logger.Debug("session pool closed",
		zap.Int("idle_destroyed", len(idle)),
		zap.Int("checked_out", busy))
	return err
}

// IsClosed reports whether Close was called.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Identity returns the identity the pool serves.
func (p *Pool) Identity() session.Identity { return p.identity }

// CreatedAt returns when the pool was built.
func (p *Pool) CreatedAt() time.Time { return p.createdAt }

// Config returns a copy of the pool's current configuration.
func (p *Pool) Config() config.PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Size returns busy + pending + idle, the capacity currently consumed.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

// IdleCount returns the number of idle sessions.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats returns a snapshot of the pool's state and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:           p.sizeLocked(),
		Idle:           len(p.idle),
		Busy:           p.inUse,
		Pending:        p.pending,
		Waiting:        p.waiters.len(),
		Unpooled:       len(p.busy) - p.inUse,
		MaxSize:        p.cfg.MaxSize,
		PoolingEnabled: p.poolingLocked(),
		Closed:         p.closed,
		Created:        p.created.Load(),
		Destroyed:      p.destroyed.Load(),
		Reused:         p.reused.Load(),
		Timeouts:       p.timeouts.Load(),
	}
}

func (p *Pool) poolingLocked() bool {
	return p.forcedPooling || p.cfg.PoolingEnabled
}

func (p *Pool) sizeLocked() int {
	return p.inUse + p.pending + len(p.idle)
}

func (p *Pool) expiredLocked(s *session.Session, now time.Time) bool {
	return p.cfg.IdleExpiration > 0 && s.IdleFor(now) > p.cfg.IdleExpiration
}

// popIdleLocked pops the most recently returned usable session. Unhealthy or
// expired entries above it are removed and returned for destruction.
func (p *Pool) popIdleLocked(now time.Time) (*session.Session, []*session.Session) {
	var skipped []*session.Session
	for n := len(p.idle); n > 0; n = len(p.idle) {
		s := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		if !s.Healthy() || p.expiredLocked(s, now) {
			skipped = append(skipped, s)
			continue
		}
		return s, skipped
	}
	return nil, skipped
}

func (p *Pool) checkoutLocked(s *session.Session) {
	p.busy[s] = true
	p.inUse++
	p.reused.Add(1)
}

// dispatchLocked hands whatever the pool can offer to waiters in FIFO order:
// idle sessions first, then spare capacity. With pooling disabled every
// waiter is released to open an unpooled session. It returns idle entries
// found unusable along the way; the caller destroys them after unlocking.
func (p *Pool) dispatchLocked(now time.Time) []*session.Session {
	var stale []*session.Session
	for p.waiters.len() > 0 && !p.closed {
		if !p.poolingLocked() {
			p.waiters.pop().ch <- grant{unpooled: true}
			continue
		}

		s, skipped := p.popIdleLocked(now)
		stale = append(stale, skipped...)
		if s != nil {
			p.checkoutLocked(s)
			p.metrics.SessionReused()
			p.waiters.pop().ch <- grant{session: s}
			continue
		}

		if p.sizeLocked() < p.cfg.MaxSize {
			p.pending++
			p.waiters.pop().ch <- grant{}
			continue
		}
		break
	}
	return stale
}

// create opens a pooled session against a reservation already counted in
// pending. On failure the reservation is released to the next waiter.
func (p *Pool) create(ctx context.Context) (*session.Session, error) {
	s, err := p.factory.Open(ctx, p.identity)

	p.mu.Lock()
	p.pending--
	if err != nil {
		stale := p.dispatchLocked(p.now())
		p.publishLocked()
		p.mu.Unlock()
		p.destroyAll(stale, reasonExpired)
		p.metrics.OpenFailed()
		return nil, p.creationError(err)
	}

	p.created.Add(1)
	p.metrics.SessionCreated(true)
	if p.closed {
		p.mu.Unlock()
		_ = p.destroy(s, reasonPoolClosed)
		return nil, p.closedError()
	}
	p.busy[s] = true
	p.inUse++
	p.publishLocked()
	p.mu.Unlock()

	return s, nil
}

func (p *Pool) openUnpooled(ctx context.Context) (*session.Session, error) {
	s, err := p.factory.Open(ctx, p.identity)
	if err != nil {
		p.metrics.OpenFailed()
		return nil, p.creationError(err)
	}

	p.created.Add(1)
	p.metrics.SessionCreated(false)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = p.destroy(s, reasonPoolClosed)
		return nil, p.closedError()
	}
	p.busy[s] = false
	p.publishLocked()
	p.mu.Unlock()

	return s, nil
}

// accept turns a grant received while waiting into a session.
func (p *Pool) accept(ctx context.Context, g grant) (*session.Session, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.session != nil:
		return g.session, nil
	case g.unpooled:
		return p.openUnpooled(ctx)
	default:
		return p.create(ctx)
	}
}

// abandon withdraws a waiter that gave up. If a grant was already delivered
// it is consumed here and given back, so nothing handed to the waiter leaks.
func (p *Pool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	if p.waiters.remove(w) {
		if errors.IsPoolTimeout(cause) {
			p.timeouts.Add(1)
		}
		p.publishLocked()
		p.mu.Unlock()
		return cause
	}
	p.mu.Unlock()

	g := <-w.ch
	switch {
	case g.err != nil:
		return g.err
	case g.session != nil:
		p.reused.Add(-1)
		if err := p.ReturnSession(g.session, true); err != nil {
			p.logger.Warn("failed to give back abandoned session", zap.Error(err))
		}
	case g.unpooled:
	default:
		p.mu.Lock()
		p.pending--
		stale := p.dispatchLocked(p.now())
		p.publishLocked()
		p.mu.Unlock()
		p.destroyAll(stale, reasonExpired)
	}
	if errors.IsPoolTimeout(cause) {
		p.timeouts.Add(1)
	}
	return cause
}

// destroy closes a session through the factory, bounded by closeTimeout.
func (p *Pool) destroy(s *session.Session, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.closeTimeout)
	defer cancel()

	err := p.factory.Close(ctx, s)
	p.destroyed.Add(1)
	p.metrics.SessionDestroyed(reason)
	if err != nil {
		p.metrics.CloseFailed()
		p.logger.Warn("failed to close session",
			zap.String("session_id", s.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeSessionClose, "failed to close session").
			WithDetail("session_id", s.ID).
			WithDetail("reason", reason)
	}
	return nil
}

// destroyAll closes every session, continuing past failures.
func (p *Pool) destroyAll(sessions []*session.Session, reason string) error {
	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, p.destroy(s, reason))
	}
	return errs
}

func (p *Pool) observe(start time.Time, s *session.Session, err error) (*session.Session, error) {
	if err == nil {
		p.metrics.ObserveWait(time.Since(start))
	}
	return s, err
}

func (p *Pool) publishLocked() {
	p.metrics.SetState(len(p.idle), p.inUse, p.pending, len(p.busy)-p.inUse, p.waiters.len())
}

func (p *Pool) closedError() error {
	return errors.New(errors.ErrorTypeInvalidState, "session pool is closed").
		WithDetail("pool", p.identity.String())
}

func (p *Pool) timeoutError(waitTimeout time.Duration) error {
	p.metrics.BorrowTimedOut()
	p.logger.Debug("no session available", zap.Duration("wait_timeout", waitTimeout))
	return errors.Newf(errors.ErrorTypePoolTimeout, "no session available within %s", waitTimeout).
		WithDetail("pool", p.identity.String())
}

func (p *Pool) creationError(err error) error {
	p.logger.Warn("failed to open session", zap.Error(err))
	return errors.Wrap(err, errors.ErrorTypeSessionCreation, "failed to open session").
		WithDetail("pool", p.identity.String())
}
