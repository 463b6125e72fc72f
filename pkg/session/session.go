// Package session defines the pooled Session, the Identity that keys pools,
// and the Factory capability that opens and closes sessions.
//
// Three factories ship with the package:
//   - MemoryFactory: deterministic in-process sessions for tests and benchmarks
//   - SnowflakeFactory: authenticated sessions opened with gosnowflake
//   - ResilientFactory: wraps another factory with a circuit breaker and retries
package session

import (
	"context"
	"sync/atomic"
	"time"
)

// Session is an authenticated channel to the backing service. At any time it
// is either idle in exactly one pool or checked out by exactly one caller.
type Session struct {
	ID        string
	CreatedAt time.Time

	handle     any
	lastUsedAt atomic.Int64
	unhealthy  atomic.Bool
}

// New creates a session around a driver handle.
func New(id string, handle any, now time.Time) *Session {
	s := &Session{
		ID:        id,
		CreatedAt: now,
		handle:    handle,
	}
	s.lastUsedAt.Store(now.UnixNano())
	return s
}

// Handle returns the driver handle the factory attached to the session.
func (s *Session) Handle() any {
	return s.handle
}

// LastUsedAt returns when the session was last returned to or created by a pool.
func (s *Session) LastUsedAt() time.Time {
	return time.Unix(0, s.lastUsedAt.Load())
}

// Touch records a use of the session.
func (s *Session) Touch(now time.Time) {
	s.lastUsedAt.Store(now.UnixNano())
}

// IdleFor returns how long the session has been unused at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastUsedAt())
}

// Healthy reports whether the session may be reused.
func (s *Session) Healthy() bool {
	return !s.unhealthy.Load()
}

// MarkUnhealthy flags the session so the pool destroys it instead of reusing it.
// Marking is sticky.
func (s *Session) MarkUnhealthy() {
	s.unhealthy.Store(true)
}

// Factory creates and destroys sessions. Implementations must be safe for
// concurrent use; pools never call them while holding a lock.
type Factory interface {
	// Open authenticates a new session for the identity.
	Open(ctx context.Context, id Identity) (*Session, error)
	// Close releases the session. It is best-effort and may fail.
	Close(ctx context.Context, s *Session) error
}

// Pinger is implemented by factories that can check a session is still usable.
type Pinger interface {
	Ping(ctx context.Context, s *Session) error
}
