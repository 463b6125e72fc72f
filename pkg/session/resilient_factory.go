package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/observability"
	"github.com/ajitpratap0/snowpool/pkg/resilience"
)

// ResilientFactory guards another factory's Open with a circuit breaker and
// an exponential-backoff retry policy. Close and Ping pass through.
type ResilientFactory struct {
	next    Factory
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryPolicy
	logger  *zap.Logger
}

// NewResilientFactory wraps next using the breaker and retry settings of cfg.
func NewResilientFactory(next Factory, cfg config.SnowflakeConfig, logger *zap.Logger) *ResilientFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		HalfOpenLimit:    1,
	}, logger)

	retry := resilience.NoRetryPolicy()
	if cfg.RetryAttempts > 1 {
		retry = resilience.NewRetryPolicy(cfg.RetryAttempts, cfg.RetryDelay)
	}

	return &ResilientFactory{
		next:    next,
		breaker: breaker,
		retry:   retry,
		logger:  logger.With(zap.String("component", "resilient_factory")),
	}
}

// Open opens a session through the breaker, retrying retryable failures.
func (f *ResilientFactory) Open(ctx context.Context, id Identity) (*Session, error) {
	ctx, span := otel.Tracer("snowpool/session").Start(ctx, "session.open")
	defer span.End()
	span.SetAttributes(attribute.String("snowpool.identity", id.String()))

	var (
		s        *Session
		attempts int
	)
	err := f.retry.ExecuteWithCondition(ctx, func() error {
		attempts++
		if !f.breaker.Allow() {
			return resilience.ErrCircuitOpen
		}
		var err error
		s, err = f.next.Open(ctx, id)
		if err != nil {
			f.breaker.RecordFailure()
			f.logger.Debug("session open attempt failed",
				zap.Int("attempt", attempts),
				zap.Error(err))
			return err
		}
		f.breaker.RecordSuccess()
		return nil
	}, func(err error) bool {
		return err != resilience.ErrCircuitOpen && errors.IsRetryable(err)
	})

	span.SetAttributes(attribute.Int("snowpool.attempts", attempts))
	if err != nil {
		observability.RecordError(span, err)
		if err == resilience.ErrCircuitOpen {
			return nil, errors.Wrap(err, errors.ErrorTypeSessionCreation, "session factory unavailable").
				WithDetail("breaker", f.breaker.State().String())
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("snowpool.session_id", s.ID))
	return s, nil
}

// Close delegates to the wrapped factory.
func (f *ResilientFactory) Close(ctx context.Context, s *Session) error {
	return f.next.Close(ctx, s)
}

// Ping delegates when the wrapped factory supports it.
func (f *ResilientFactory) Ping(ctx context.Context, s *Session) error {
	if p, ok := f.next.(Pinger); ok {
		return p.Ping(ctx, s)
	}
	return nil
}

// BreakerState exposes the circuit breaker state for stats reporting.
func (f *ResilientFactory) BreakerState() resilience.CircuitBreakerState {
	return f.breaker.GetState()
}
