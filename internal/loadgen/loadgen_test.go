package loadgen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/poolmanager"
	"github.com/ajitpratap0/snowpool/pkg/session"
	"github.com/ajitpratap0/snowpool/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.LeakOptions()...)
}

func newManager(t *testing.T, v poolmanager.Version) (*poolmanager.Manager, *session.MemoryFactory) {
	t.Helper()
	logger := testutil.TestLogger(t)
	sel, err := poolmanager.NewSelector(v, logger)
	require.NoError(t, err)

	factory := session.NewMemoryFactory()
	m, err := poolmanager.New(factory, poolmanager.WithSelector(sel), poolmanager.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, factory
}

func testConfig(ops int64) Config {
	return Config{
		Workers:     4,
		Identities:  2,
		Operations:  ops,
		WaitTimeout: 2 * time.Second,
		Pool:        testutil.TestPoolConfig(2),
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"no identities", func(c *Config) { c.Identities = 0 }},
		{"negative hold", func(c *Config) { c.HoldTime = -time.Second }},
		{"unbounded", func(c *Config) { c.Operations = 0; c.Duration = 0 }},
		{"bad pool", func(c *Config) { c.Pool.MaxSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(10)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err))
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewRequiresManager(t *testing.T) {
	_, err := New(nil, testConfig(1), nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestRunMultiPool(t *testing.T) {
	m, factory := newManager(t, poolmanager.MultiPool)

	r, err := New(m, testConfig(200), testutil.TestLogger(t))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "multi_pool", report.Version)
	assert.Equal(t, int64(200), report.Borrowed)
	assert.Zero(t, report.Errors)
	assert.Zero(t, report.Timeouts)
	assert.Len(t, report.Pools.Pools, 2)
	assert.LessOrEqual(t, factory.Opened(), int64(4), "each identity pool is capped at two sessions")
	assert.Positive(t, report.OpsPerSecond)
}

func TestRunSingleSharedPool(t *testing.T) {
	m, factory := newManager(t, poolmanager.SingleSharedPool)

	r, err := New(m, testConfig(100), testutil.TestLogger(t))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "single_shared_pool", report.Version)
	assert.Equal(t, int64(100), report.Borrowed)
	require.Len(t, report.Pools.Pools, 1)
	assert.LessOrEqual(t, factory.Opened(), int64(2))
}

func TestRunUnhealthyReturns(t *testing.T) {
	m, factory := newManager(t, poolmanager.MultiPool)

	cfg := testConfig(100)
	cfg.UnhealthyEvery = 10
	r, err := New(m, cfg, testutil.TestLogger(t))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(10), report.Unhealthy)
	assert.GreaterOrEqual(t, factory.Closed(), int64(10))
}

func TestRunSurvivesConcurrentClears(t *testing.T) {
	m, _ := newManager(t, poolmanager.MultiPool)

	cfg := testConfig(0)
	cfg.Duration = 200 * time.Millisecond
	cfg.HoldTime = time.Millisecond
	r, err := New(m, cfg, testutil.TestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.ClearAllPools()
			}
		}
	}()

	report, err := r.Run(ctx)
	cancel()
	wg.Wait()

	require.NoError(t, err)
	assert.Positive(t, report.Borrowed)
	assert.Zero(t, report.Errors)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newManager(t, poolmanager.MultiPool)

	cfg := testConfig(1 << 40)
	cfg.HoldTime = time.Millisecond
	r, err := New(m, cfg, testutil.TestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Run(ctx)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunRateLimited(t *testing.T) {
	m, _ := newManager(t, poolmanager.MultiPool)

	cfg := testConfig(10)
	cfg.Rate = 1000
	r, err := New(m, cfg, testutil.TestLogger(t))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Borrowed)
}
