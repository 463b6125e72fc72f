package sessionpool

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithForcedPooling pins pooling on for the pool's lifetime. SetPooling(false)
// is accepted and ignored. The shared legacy pool is built this way.
func WithForcedPooling() Option {
	return func(p *Pool) {
		p.forcedPooling = true
	}
}

// WithClock replaces the time source used to stamp returned sessions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithCloseTimeout bounds each factory Close issued by the pool.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.closeTimeout = d
		}
	}
}

// WithMeter records session counts on m rather than the global meter.
func WithMeter(m metric.Meter) Option {
	return func(p *Pool) {
		p.meter = m
	}
}

// WithMetricsLabel overrides the pool label used for metric series. Two live
// pools must not share a label.
func WithMetricsLabel(label string) Option {
	return func(p *Pool) {
		if label != "" {
			p.metricsLabel = label
		}
	}
}
