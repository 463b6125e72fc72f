package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/snowpool/pkg/errors"
)

// MemoryFactory is a deterministic in-process Factory. Session IDs are
// mem-1, mem-2, ... in creation order. Failures and latency can be injected.
type MemoryFactory struct {
	seq    atomic.Int64
	opened atomic.Int64
	closed atomic.Int64

	mu        sync.Mutex
	live      map[string]*Session
	openDelay time.Duration
	openErr   error
	failOpens int
	closeErr  error
	onOpen    func(Identity)
	now       func() time.Time
}

// NewMemoryFactory creates an empty MemoryFactory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		live: make(map[string]*Session),
		now:  time.Now,
	}
}

// Open creates a session after the configured delay, unless a failure was injected.
func (f *MemoryFactory) Open(ctx context.Context, id Identity) (*Session, error) {
	f.mu.Lock()
	delay := f.openDelay
	hook := f.onOpen
	var err error
	if f.failOpens > 0 {
		f.failOpens--
		err = f.openErr
	} else if f.failOpens < 0 {
		err = f.openErr
	}
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "open cancelled")
		case <-timer.C:
		}
	}

	if err != nil {
		return nil, err
	}

	s := New("mem-"+strconv.FormatInt(f.seq.Add(1), 10), id.Key(), f.now())

	f.mu.Lock()
	f.live[s.ID] = s
	f.mu.Unlock()
	f.opened.Add(1)

	return s, nil
}

// Close forgets the session. An injected close error is returned, but the
// session still counts as closed.
func (f *MemoryFactory) Close(_ context.Context, s *Session) error {
	f.mu.Lock()
	_, ok := f.live[s.ID]
	delete(f.live, s.ID)
	err := f.closeErr
	f.mu.Unlock()

	if !ok {
		return errors.New(errors.ErrorTypeInvalidState, "session already closed").
			WithDetail("session_id", s.ID)
	}
	f.closed.Add(1)
	return err
}

// Ping fails for sessions that were closed or marked unhealthy.
func (f *MemoryFactory) Ping(_ context.Context, s *Session) error {
	if !f.IsLive(s.ID) || !s.Healthy() {
		return errors.New(errors.ErrorTypeConnection, "session is not usable").
			WithDetail("session_id", s.ID)
	}
	return nil
}

// FailOpens makes the next n Open calls return err. A negative n fails every
// call until Reset.
func (f *MemoryFactory) FailOpens(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpens = n
	f.openErr = err
}

// SetCloseError makes every Close return err.
func (f *MemoryFactory) SetCloseError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}

// SetOpenDelay adds latency to every Open.
func (f *MemoryFactory) SetOpenDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openDelay = d
}

// OnOpen registers a hook invoked at the start of every Open.
func (f *MemoryFactory) OnOpen(hook func(Identity)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOpen = hook
}

// Reset clears injected failures and latency.
func (f *MemoryFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpens = 0
	f.openErr = nil
	f.closeErr = nil
	f.openDelay = 0
	f.onOpen = nil
}

// Opened returns the number of sessions successfully opened.
func (f *MemoryFactory) Opened() int64 { return f.opened.Load() }

// Closed returns the number of sessions closed.
func (f *MemoryFactory) Closed() int64 { return f.closed.Load() }

// Live returns the number of sessions opened and not yet closed.
func (f *MemoryFactory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// IsLive reports whether the session is open.
func (f *MemoryFactory) IsLive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[id]
	return ok
}
