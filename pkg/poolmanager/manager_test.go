package poolmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/metrics"
	"github.com/ajitpratap0/snowpool/pkg/session"
	"github.com/ajitpratap0/snowpool/pkg/sessionpool"
	"github.com/ajitpratap0/snowpool/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.LeakOptions()...)
}

type ManagerSuite struct {
	suite.Suite
	factory  *session.MemoryFactory
	selector *Selector
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx, s.cancel = testutil.TestContext(s.T())
	s.factory = session.NewMemoryFactory()

	sel, err := NewSelector(MultiPool, testutil.TestLogger(s.T()))
	s.Require().NoError(err)
	s.selector = sel

	m, err := New(s.factory, WithSelector(sel), WithLogger(testutil.TestLogger(s.T())))
	s.Require().NoError(err)
	s.manager = m
}

func (s *ManagerSuite) TearDownTest() {
	s.NoError(s.manager.Close())
	s.cancel()
}

func (s *ManagerSuite) getPool(id session.Identity, cfg config.PoolConfig) *sessionpool.Pool {
	p, err := s.manager.GetPool(s.ctx, id, cfg)
	s.Require().NoError(err)
	return p
}

func (s *ManagerSuite) TestSameKeyReturnsSamePool() {
	cfg := testutil.TestPoolConfig(2)
	first := s.getPool(testutil.TestIdentity(1), cfg)

	again := s.getPool(testutil.TestIdentity(1), cfg)
	s.Same(first, again)

	// normalization makes case and whitespace irrelevant
	id := testutil.TestIdentity(1)
	id.Account = " ACCT1 "
	id.Warehouse = "WH1"
	s.Same(first, s.getPool(id, cfg))

	s.NotSame(first, s.getPool(testutil.TestIdentity(2), cfg))
	s.Len(s.manager.Stats().Pools, 2)
}

func (s *ManagerSuite) TestSharedStrategyResolvesEveryIdentityToOnePool() {
	s.Require().NoError(s.manager.SetPoolVersion(SingleSharedPool))

	cfg := testutil.TestPoolConfig(2)
	cfg.PoolingEnabled = false

	first := s.getPool(session.Identity{Account: "A1", User: "U1", Database: "D1", Warehouse: "W1", Role: "R1"}, cfg)
	second := s.getPool(session.Identity{Account: "A2", User: "U2", Database: "D2", Warehouse: "W2", Role: "R2"}, testutil.TestPoolConfig(2))

	s.Same(first, second)
	s.True(first.GetPooling())

	first.SetPooling(false)
	s.True(first.GetPooling())
	s.Equal("single_shared_pool", s.manager.Stats().Version)
}

func (s *ManagerSuite) TestSetPoolVersionIsIdempotent() {
	s.Equal(MultiPool, s.manager.GetPoolVersion())

	s.Require().NoError(s.manager.SetPoolVersion(SingleSharedPool))
	s.Equal(SingleSharedPool, s.manager.GetPoolVersion())
	p := s.getPool(testutil.TestIdentity(1), testutil.TestPoolConfig(2))

	s.Require().NoError(s.manager.SetPoolVersion(SingleSharedPool))
	s.Equal(SingleSharedPool, s.manager.GetPoolVersion())
	s.False(p.IsClosed())
	s.Same(p, s.getPool(testutil.TestIdentity(3), testutil.TestPoolConfig(2)))

	s.True(errors.IsConfig(s.manager.SetPoolVersion(Version(7))))
}

func (s *ManagerSuite) TestSwitchRetiresPreviousPools() {
	cfg := testutil.TestPoolConfig(2)
	old := s.getPool(testutil.TestIdentity(1), cfg)

	sess, err := old.GetSession(s.ctx, time.Second)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.SetPoolVersion(SingleSharedPool))
	s.True(old.IsClosed())

	_, err = old.GetSession(s.ctx, time.Second)
	s.True(errors.IsInvalidState(err))
	s.True(errors.IsRetryable(err))

	// the session checked out before the switch is closed on return
	s.Require().NoError(old.ReturnSession(sess, true))
	s.False(s.factory.IsLive(sess.ID))

	shared := s.getPool(testutil.TestIdentity(1), cfg)
	s.NotSame(old, shared)

	s.Require().NoError(s.manager.SetPoolVersion(MultiPool))
	s.True(shared.IsClosed())
}

func (s *ManagerSuite) TestClearAllPoolsBuildsNewInstances() {
	cfg := testutil.TestPoolConfig(2)
	before := s.getPool(testutil.TestIdentity(1), cfg)

	idle, err := before.GetSession(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NoError(before.ReturnSession(idle, true))

	s.Require().NoError(s.manager.ClearAllPools())
	s.True(before.IsClosed())
	s.False(s.factory.IsLive(idle.ID))

	after := s.getPool(testutil.TestIdentity(1), cfg)
	s.NotSame(before, after)
	s.Equal(MultiPool, s.manager.GetPoolVersion())
}

func (s *ManagerSuite) TestClearAllPoolsAggregatesCloseFailures() {
	cfg := testutil.TestPoolConfig(2)
	for i := 1; i <= 2; i++ {
		p := s.getPool(testutil.TestIdentity(i), cfg)
		sess, err := p.GetSession(s.ctx, time.Second)
		s.Require().NoError(err)
		s.Require().NoError(p.ReturnSession(sess, true))
	}

	s.factory.SetCloseError(errors.New(errors.ErrorTypeConnection, "connection reset"))
	err := s.manager.ClearAllPools()
	s.Require().Error(err)
	s.True(errors.IsSessionClose(err))
	s.Equal(0, s.factory.Live())
	s.Empty(s.manager.Stats().Pools)
}

func (s *ManagerSuite) TestResetPoolVersion() {
	s.Require().NoError(s.manager.SetPoolVersion(SingleSharedPool))
	p := s.getPool(testutil.TestIdentity(1), testutil.TestPoolConfig(1))

	s.Require().NoError(s.manager.ResetPoolVersion())
	s.Equal(MultiPool, s.manager.GetPoolVersion())
	s.True(p.IsClosed())
}

func (s *ManagerSuite) TestInvalidInputRejectedInBothStrategies() {
	for _, v := range []Version{MultiPool, SingleSharedPool} {
		s.Require().NoError(s.manager.SetPoolVersion(v))

		_, err := s.manager.GetPool(s.ctx, session.Identity{User: "loader"}, testutil.TestPoolConfig(1))
		s.True(errors.IsConfig(err), v.String())

		_, err = s.manager.GetPool(s.ctx, session.Identity{Account: "acme"}, testutil.TestPoolConfig(1))
		s.True(errors.IsConfig(err), v.String())

		_, err = s.manager.GetPool(s.ctx, testutil.TestIdentity(1), config.PoolConfig{MaxSize: 0})
		s.True(errors.IsConfig(err), v.String())
	}
}

func (s *ManagerSuite) TestConcurrentResolutionBuildsOnePool() {
	cfg := testutil.TestPoolConfig(2)

	const callers = 32
	pools := make(chan *sessionpool.Pool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.manager.GetPool(s.ctx, testutil.TestIdentity(1), cfg)
			if s.NoError(err) {
				pools <- p
			}
		}()
	}
	wg.Wait()
	close(pools)

	first := <-pools
	for p := range pools {
		s.Same(first, p)
	}
	s.Len(s.manager.Stats().Pools, 1)
}

func (s *ManagerSuite) TestResolutionRacingWithClear() {
	cfg := testutil.TestPoolConfig(3)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, err := s.manager.GetPool(s.ctx, testutil.TestIdentity(w%2), cfg)
				if !s.NoError(err) {
					return
				}
				sess, err := p.GetSession(s.ctx, 10*time.Millisecond)
				if err != nil {
					s.True(errors.IsInvalidState(err) || errors.IsPoolTimeout(err), err.Error())
					continue
				}
				_ = p.ReturnSession(sess, true)
			}
		}(w)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(time.Millisecond)
		if i%5 == 4 {
			s.NoError(s.manager.SetPoolVersion(Version((i / 5) % 2)))
			continue
		}
		s.NoError(s.manager.ClearAllPools())
	}
	close(stop)
	wg.Wait()

	s.Require().NoError(s.manager.ClearAllPools())
	s.Equal(0, s.factory.Live())
}

func (s *ManagerSuite) TestEvictIdleSweepsAllPools() {
	clock := testutil.NewFakeClock(time.Now())
	m, err := New(s.factory,
		WithLogger(testutil.TestLogger(s.T())),
		WithPoolOptions(sessionpool.WithClock(clock.Now)))
	s.Require().NoError(err)
	m.now = clock.Now
	defer m.Close()

	cfg := testutil.TestPoolConfig(2)
	cfg.IdleExpiration = time.Minute
	for i := 1; i <= 3; i++ {
		p, err := m.GetPool(s.ctx, testutil.TestIdentity(i), cfg)
		s.Require().NoError(err)
		sess, err := p.GetSession(s.ctx, time.Second)
		s.Require().NoError(err)
		s.Require().NoError(p.ReturnSession(sess, true))
	}

	s.Equal(0, m.EvictIdle())
	clock.Advance(2 * time.Minute)
	s.Equal(3, m.EvictIdle())
	s.Equal(0, s.factory.Live())
}

func (s *ManagerSuite) TestBackgroundEviction() {
	m, err := New(s.factory,
		WithLogger(testutil.TestLogger(s.T())),
		WithEvictionInterval(10*time.Millisecond))
	s.Require().NoError(err)

	cfg := testutil.TestPoolConfig(2)
	cfg.IdleExpiration = 5 * time.Millisecond
	p, err := m.GetPool(s.ctx, testutil.TestIdentity(1), cfg)
	s.Require().NoError(err)
	sess, err := p.GetSession(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NoError(p.ReturnSession(sess, true))

	m.Start(s.ctx)
	m.Start(s.ctx)
	testutil.AssertEventually(s.T(), func() bool { return p.IdleCount() == 0 }, 2*time.Second, "idle session not evicted")

	s.Require().NoError(m.Close())
	s.Require().NoError(m.Close())
}

func (s *ManagerSuite) TestWarmUp() {
	cfg := testutil.TestPoolConfig(4)
	cfg.MinSize = 2
	cfg.WarmUp = true

	p := s.getPool(testutil.TestIdentity(1), cfg)
	s.Equal(2, p.IdleCount())
	s.Equal(int64(2), s.factory.Opened())
}

func (s *ManagerSuite) TestStats() {
	cfg := testutil.TestPoolConfig(2)
	p := s.getPool(testutil.TestIdentity(1), cfg)
	sess, err := p.GetSession(s.ctx, time.Second)
	s.Require().NoError(err)

	stats := s.manager.Stats()
	s.Equal("multi_pool", stats.Version)
	s.Require().Len(stats.Pools, 1)
	s.Equal(testutil.TestIdentity(1).String(), stats.Pools[0].Identity)
	s.Equal(1, stats.Pools[0].Stats.Busy)

	s.Require().NoError(p.ReturnSession(sess, true))
}

func (s *ManagerSuite) TestClosedManagerRejectsResolution() {
	m, err := New(s.factory)
	s.Require().NoError(err)
	s.Require().NoError(m.Close())

	_, err = m.GetPool(s.ctx, testutil.TestIdentity(1), testutil.TestPoolConfig(1))
	s.True(errors.IsInvalidState(err))
}

func TestNewRequiresFactory(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsConfig(err))
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultManagerConfig()
	cfg.PoolVersion = "legacy"

	m, err := NewFromConfig(cfg, session.NewMemoryFactory(), testutil.TestLogger(t))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, SingleSharedPool, m.GetPoolVersion())

	cfg.PoolVersion = "sideways"
	_, err = NewFromConfig(cfg, session.NewMemoryFactory(), testutil.TestLogger(t))
	assert.True(t, errors.IsConfig(err))
}

func TestSelectorsAreIndependent(t *testing.T) {
	a, err := NewSelector(MultiPool, nil)
	require.NoError(t, err)
	b, err := NewSelector(MultiPool, nil)
	require.NoError(t, err)

	require.NoError(t, a.SetVersion(SingleSharedPool))
	assert.Equal(t, SingleSharedPool, a.Version())
	assert.Equal(t, MultiPool, b.Version())

	_, err = NewSelector(Version(-1), nil)
	assert.True(t, errors.IsConfig(err))
}

func activePools(v Version) float64 {
	return promtestutil.ToFloat64(metrics.ActivePools.WithLabelValues(v.String()))
}

func TestActivePoolsCountsEachRegistry(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.TestPoolConfig(1)
	baseMulti := activePools(MultiPool)
	baseShared := activePools(SingleSharedPool)

	a, err := New(session.NewMemoryFactory(), WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	b, err := New(session.NewMemoryFactory(), WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)

	for n := 1; n <= 2; n++ {
		_, err := a.GetPool(ctx, testutil.TestIdentity(n), cfg)
		require.NoError(t, err)
	}
	_, err = b.GetPool(ctx, testutil.TestIdentity(3), cfg)
	require.NoError(t, err)
	assert.Equal(t, baseMulti+3, activePools(MultiPool))

	// clearing one manager leaves the other's pools counted
	require.NoError(t, b.ClearAllPools())
	assert.Equal(t, baseMulti+2, activePools(MultiPool))

	_, err = b.GetPool(ctx, testutil.TestIdentity(3), cfg)
	require.NoError(t, err)
	assert.Equal(t, baseMulti+3, activePools(MultiPool))

	require.NoError(t, a.SetPoolVersion(SingleSharedPool))
	assert.Equal(t, baseMulti+1, activePools(MultiPool))
	_, err = a.GetPool(ctx, testutil.TestIdentity(1), cfg)
	require.NoError(t, err)
	assert.Equal(t, baseShared+1, activePools(SingleSharedPool))

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, baseMulti, activePools(MultiPool))
	assert.Equal(t, baseShared, activePools(SingleSharedPool))
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
	}{
		{"", MultiPool},
		{"multi_pool", MultiPool},
		{"Multiple", MultiPool},
		{"single_shared_pool", SingleSharedPool},
		{"legacy", SingleSharedPool},
		{" single ", SingleSharedPool},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, v := range []Version{MultiPool, SingleSharedPool} {
		got, err := ParseVersion(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := ParseVersion("round_robin")
	assert.True(t, errors.IsConfig(err))
	assert.Equal(t, "unknown", Version(9).String())
}
