package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/snowpool/pkg/errors"
)

func TestIdentityValidate(t *testing.T) {
	tests := []struct {
		name  string
		id    Identity
		valid bool
	}{
		{"complete", Identity{Account: "acme", User: "loader"}, true},
		{"missing account", Identity{User: "loader"}, false},
		{"blank account", Identity{Account: "  ", User: "loader"}, false},
		{"missing user", Identity{Account: "acme"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsConfig(err))
		})
	}
}

func TestIdentityKeyNormalizes(t *testing.T) {
	a := Identity{Account: "ACME", User: " Loader ", Database: "Sales", Warehouse: "WH", Role: "sysadmin", Password: "s3cret"}
	b := Identity{Account: "acme", User: "loader", Database: "SALES", Warehouse: "wh", Role: "SYSADMIN", Password: "s3cret"}

	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.Equal(b))
	assert.NotContains(t, a.Key(), "s3cret")
}

func TestIdentityKeyDistinguishes(t *testing.T) {
	base := Identity{Account: "acme", User: "loader", Database: "sales", Password: "one"}

	other := base
	other.Database = "finance"
	assert.NotEqual(t, base.Key(), other.Key())

	other = base
	other.Password = "two"
	assert.NotEqual(t, base.Key(), other.Key())

	// passwords are case-sensitive
	other = base
	other.Password = "ONE"
	assert.NotEqual(t, base.Key(), other.Key())
}

func TestIdentityFingerprint(t *testing.T) {
	reader := Identity{Account: "acme", User: "loader", Warehouse: "wh", Database: "sales", Role: "reader", Password: "p"}
	writer := reader
	writer.Role = "writer"
	same := reader
	same.Role = "READER"

	assert.Equal(t, reader.String(), writer.String())
	assert.NotEqual(t, reader.Fingerprint(), writer.Fingerprint())
	assert.Equal(t, reader.Fingerprint(), same.Fingerprint())
	assert.Len(t, reader.Fingerprint(), 8)
}

func TestIdentityStringHidesSecrets(t *testing.T) {
	id := Identity{Account: "acme", User: "loader", Password: "hunter2", Token: "tok"}
	s := id.String()
	assert.False(t, strings.Contains(s, "hunter2"))
	assert.False(t, strings.Contains(s, "tok"))
	assert.Contains(t, s, "acme/loader")
}

func TestSessionHealthAndTouch(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New("s-1", nil, created)

	assert.True(t, s.Healthy())
	assert.Equal(t, created, s.LastUsedAt().UTC())

	later := created.Add(5 * time.Minute)
	s.Touch(later)
	assert.Equal(t, time.Minute, s.IdleFor(later.Add(time.Minute)))

	s.MarkUnhealthy()
	assert.False(t, s.Healthy())
}

func TestMemoryFactorySequentialIDs(t *testing.T) {
	f := NewMemoryFactory()
	id := Identity{Account: "acme", User: "loader"}

	s1, err := f.Open(context.Background(), id)
	require.NoError(t, err)
	s2, err := f.Open(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, "mem-1", s1.ID)
	assert.Equal(t, "mem-2", s2.ID)
	assert.Equal(t, id.Key(), s1.Handle())
	assert.Equal(t, 2, f.Live())

	require.NoError(t, f.Close(context.Background(), s1))
	assert.False(t, f.IsLive("mem-1"))
	assert.Equal(t, int64(1), f.Closed())

	// double close is reported
	assert.True(t, errors.IsInvalidState(f.Close(context.Background(), s1)))
}

func TestMemoryFactoryInjectedFailures(t *testing.T) {
	f := NewMemoryFactory()
	id := Identity{Account: "acme", User: "loader"}
	boom := errors.New(errors.ErrorTypeAuthentication, "bad password")

	f.FailOpens(1, boom)
	_, err := f.Open(context.Background(), id)
	assert.ErrorIs(t, err, boom)

	s, err := f.Open(context.Background(), id)
	require.NoError(t, err)

	f.SetCloseError(boom)
	assert.ErrorIs(t, f.Close(context.Background(), s), boom)
	assert.Equal(t, 0, f.Live())
}

func TestMemoryFactoryOpenDelayHonorsContext(t *testing.T) {
	f := NewMemoryFactory()
	f.SetOpenDelay(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Open(ctx, Identity{Account: "acme", User: "loader"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), f.Opened())
}

func TestMemoryFactoryConcurrentOpen(t *testing.T) {
	f := NewMemoryFactory()
	id := Identity{Account: "acme", User: "loader"}

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.Open(context.Background(), id)
			if err == nil {
				ids <- s.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestMemoryFactoryPing(t *testing.T) {
	f := NewMemoryFactory()
	s, err := f.Open(context.Background(), Identity{Account: "acme", User: "loader"})
	require.NoError(t, err)

	assert.NoError(t, f.Ping(context.Background(), s))
	s.MarkUnhealthy()
	assert.Error(t, f.Ping(context.Background(), s))
}

func TestIdentityFromEnv(t *testing.T) {
	t.Setenv("SNOWPOOL_TEST_ACCOUNT", "acme")
	t.Setenv("SNOWPOOL_TEST_USER", "loader")
	t.Setenv("SNOWPOOL_TEST_WAREHOUSE", "etl_wh")
	t.Setenv("SNOWPOOL_TEST_AUTHENTICATOR", "oauth")

	id := IdentityFromEnv("SNOWPOOL_TEST")
	assert.Equal(t, "acme", id.Account)
	assert.Equal(t, "loader", id.User)
	assert.Equal(t, "etl_wh", id.Warehouse)
	assert.Equal(t, "oauth", id.Authenticator)
	assert.Empty(t, id.Password)
	assert.NoError(t, id.Validate())
}
