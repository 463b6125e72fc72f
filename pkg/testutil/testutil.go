// Package testutil provides testing utilities for snowpool
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/session"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// LeakOptions are the goleak options for packages that link the Snowflake
// driver. Its keyring dependency starts a D-Bus reader from package init when
// a session bus is reachable; that goroutine lives for the whole process.
func LeakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).inWorker"),
		goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).outWorker"),
	}
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 5ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// TestIdentity returns a valid identity. Different n give different pool keys.
func TestIdentity(n int) session.Identity {
	return session.Identity{
		Account:   fmt.Sprintf("acct%d", n),
		User:      fmt.Sprintf("user%d", n),
		Password:  "secret",
		Database:  fmt.Sprintf("db%d", n),
		Warehouse: fmt.Sprintf("wh%d", n),
		Role:      fmt.Sprintf("role%d", n),
	}
}

// TestPoolConfig returns a pool config with the given capacity, no warm-up
// and short timeouts.
func TestPoolConfig(maxSize int) config.PoolConfig {
	return config.PoolConfig{
		MinSize:           0,
		MaxSize:           maxSize,
		PoolingEnabled:    true,
		IdleExpiration:    time.Minute,
		BorrowWaitTimeout: 2 * time.Second,
	}
}

// FakeClock is a manually advanced time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
