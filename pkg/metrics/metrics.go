// Package metrics exposes snowpool's Prometheus metrics.
//
// # Overview
//
// The metrics package provides:
//   - Pool level collectors for session state and lifecycle counters
//   - Manager level gauges for the active strategy and pool count
//   - Timing and latency helpers used by the load generator
//
// # Basic Usage
//
//	collector := metrics.NewPoolCollector("acme/loader@wh/sales#3f2a9c1d")
//	collector.SessionCreated(true)
//	collector.ObserveWait(time.Since(start))
//	collector.SetState(idle, busy, pending, unpooled, waiting)
//
// All Prometheus metrics register with the default registry; expose them with
// promhttp.Handler(). Session counts are also recorded on an OpenTelemetry
// meter as db.client.connection.count.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// PoolSessions tracks sessions per pool by state.
	// Labels: pool, state (idle/busy/pending/unpooled)
	PoolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snowpool_pool_sessions",
			Help: "Number of sessions in a pool by state",
		},
		[]string{"pool", "state"},
	)

	// PoolWaiters tracks callers blocked in GetSession.
	PoolWaiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snowpool_pool_waiters",
			Help: "Number of callers waiting for a session",
		},
		[]string{"pool"},
	)

	// SessionsCreated counts sessions opened through the factory.
	// Labels: pool, kind (pooled/unpooled)
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpool_sessions_created_total",
			Help: "Total number of sessions opened",
		},
		[]string{"pool", "kind"},
	)

	// SessionsDestroyed counts sessions closed through the factory.
	// Labels: pool, reason (unhealthy/unpooled/expired/pool_closed/...)
	SessionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpool_sessions_destroyed_total",
			Help: "Total number of sessions closed",
		},
		[]string{"pool", "reason"},
	)

	// SessionsReused counts borrows satisfied by an idle session.
	SessionsReused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpool_sessions_reused_total",
			Help: "Total number of borrows served from the idle set",
		},
		[]string{"pool"},
	)

	// SessionErrors counts factory failures.
	// Labels: pool, op (open/close)
	SessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpool_session_errors_total",
			Help: "Total number of session factory failures",
		},
		[]string{"pool", "op"},
	)

	// BorrowTimeouts counts GetSession calls that failed with a pool timeout.
	BorrowTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpool_borrow_timeouts_total",
			Help: "Total number of borrows that timed out",
		},
		[]string{"pool"},
	)

	// BorrowWait tracks how long successful borrows took, in seconds.
	BorrowWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "snowpool_borrow_wait_seconds",
			Help: "Time spent in GetSession before a session was handed out",
			Buckets: []float64{
				0.0001, // 100µs - idle hit
				0.001,  // 1ms
				0.01,   // 10ms
				0.1,    // 100ms
				0.5,    // login round trip
				1,
				5,
				30, // default borrow wait bound
			},
		},
		[]string{"pool"},
	)

	// ActivePools tracks the number of live pools per strategy.
	ActivePools = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snowpool_active_pools",
			Help: "Number of pools in the active registries",
		},
		[]string{"strategy"},
	)

	// StrategySwitches counts strategy switches and registry clears.
	// Labels: op (switch/clear)
	StrategySwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpool_registry_resets_total",
			Help: "Total number of strategy switches and registry clears",
		},
		[]string{"op"},
	)

	// EvictionSweeps tracks the duration of background eviction sweeps.
	EvictionSweeps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snowpool_eviction_sweep_seconds",
			Help:    "Duration of background eviction sweeps",
			Buckets: prometheus.ExponentialBuckets(0.0001, 10, 6),
		},
	)
)

// owners maps a pool label to the collector currently publishing it. A
// retired pool and its replacement may share a label for a short while; only
// the owner writes or deletes the gauge series.
var owners sync.Map

// CollectorOption configures a PoolCollector.
type CollectorOption func(*PoolCollector)

// WithMeter records connection counts on m instead of the global meter.
func WithMeter(m metric.Meter) CollectorOption {
	return func(c *PoolCollector) {
		if m != nil {
			c.meter = m
		}
	}
}

// PoolCollector records metrics for one pool. The pool label is bound at
// construction so hot paths avoid label lookups.
type PoolCollector struct {
	pool  string
	meter metric.Meter
	conns ConnectionCount

	idle     prometheus.Gauge
	busy     prometheus.Gauge
	pending  prometheus.Gauge
	unpooled prometheus.Gauge
	waiting  prometheus.Gauge

	createdPooled   prometheus.Counter
	createdUnpooled prometheus.Counter
	reused          prometheus.Counter
	timeouts        prometheus.Counter
	openErrors      prometheus.Counter
	closeErrors     prometheus.Counter
	wait            prometheus.Observer

	mu       sync.Mutex
	closed   bool
	lastIdle int64
	lastUsed int64
}

// NewPoolCollector creates a collector for the named pool and makes it the
// owner of the pool label.
func NewPoolCollector(pool string, opts ...CollectorOption) *PoolCollector {
	c := &PoolCollector{
		pool:            pool,
		meter:           otel.Meter(meterName),
		idle:            PoolSessions.WithLabelValues(pool, "idle"),
		busy:            PoolSessions.WithLabelValues(pool, "busy"),
		pending:         PoolSessions.WithLabelValues(pool, "pending"),
		unpooled:        PoolSessions.WithLabelValues(pool, "unpooled"),
		waiting:         PoolWaiters.WithLabelValues(pool),
		createdPooled:   SessionsCreated.WithLabelValues(pool, "pooled"),
		createdUnpooled: SessionsCreated.WithLabelValues(pool, "unpooled"),
		reused:          SessionsReused.WithLabelValues(pool),
		timeouts:        BorrowTimeouts.WithLabelValues(pool),
		openErrors:      SessionErrors.WithLabelValues(pool, "open"),
		closeErrors:     SessionErrors.WithLabelValues(pool, "close"),
		wait:            BorrowWait.WithLabelValues(pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	// A failed instrument leaves conns zero-valued, which records nothing.
	c.conns, _ = NewConnectionCount(c.meter)
	owners.Store(pool, c)
	return c
}

// Pool returns the label the collector publishes under.
func (c *PoolCollector) Pool() string { return c.pool }

func (c *PoolCollector) owns() bool {
	v, ok := owners.Load(c.pool)
	return ok && v == c
}

// SetState publishes the current session counts. It is a no-op once the
// collector is unregistered.
func (c *PoolCollector) SetState(idle, busy, pending, unpooled, waiting int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.owns() {
		c.idle.Set(float64(idle))
		c.busy.Set(float64(busy))
		c.pending.Set(float64(pending))
		c.unpooled.Set(float64(unpooled))
		c.waiting.Set(float64(waiting))
	}

	used := int64(busy + unpooled)
	ctx := context.Background()
	c.conns.Add(ctx, int64(idle)-c.lastIdle, c.pool, StateIdle)
	c.conns.Add(ctx, used-c.lastUsed, c.pool, StateUsed)
	c.lastIdle, c.lastUsed = int64(idle), used
}

// SessionCreated records a successful factory Open.
func (c *PoolCollector) SessionCreated(pooled bool) {
	if pooled {
		c.createdPooled.Inc()
		return
	}
	c.createdUnpooled.Inc()
}

// SessionDestroyed records a factory Close.
func (c *PoolCollector) SessionDestroyed(reason string) {
	SessionsDestroyed.WithLabelValues(c.pool, reason).Inc()
}

// SessionReused records a borrow served from the idle set.
func (c *PoolCollector) SessionReused() { c.reused.Inc() }

// BorrowTimedOut records a pool timeout.
func (c *PoolCollector) BorrowTimedOut() { c.timeouts.Inc() }

// OpenFailed records a factory Open failure.
func (c *PoolCollector) OpenFailed() { c.openErrors.Inc() }

// CloseFailed records a factory Close failure.
func (c *PoolCollector) CloseFailed() { c.closeErrors.Inc() }

// ObserveWait records the latency of a successful borrow.
func (c *PoolCollector) ObserveWait(d time.Duration) { c.wait.Observe(d.Seconds()) }

// Unregister stops publishing for a closed pool. The gauge series are deleted
// only while this collector still owns the label, so a newer pool under the
// same label keeps its series. Counters are kept so totals stay monotonic.
func (c *PoolCollector) Unregister() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	ctx := context.Background()
	c.conns.Add(ctx, -c.lastIdle, c.pool, StateIdle)
	c.conns.Add(ctx, -c.lastUsed, c.pool, StateUsed)
	c.lastIdle, c.lastUsed = 0, 0

	if !owners.CompareAndDelete(c.pool, c) {
		return
	}
	for _, state := range []string{"idle", "busy", "pending", "unpooled"} {
		PoolSessions.DeleteLabelValues(c.pool, state)
	}
	PoolWaiters.DeleteLabelValues(c.pool)
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It can be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// LatencyTracker keeps a bounded window of latencies for percentile reporting.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker that keeps the latest maxSize values.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record records a latency value
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// Count returns the number of retained values.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}

// GetPercentile returns the percentile value (0-100) of the retained window.
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := make([]time.Duration, len(l.values))
	copy(sorted, l.values)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	if index < 0 {
		index = 0
	}
	return sorted[index]
}
