package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/resilience"
)

func testSnowflakeConfig() config.SnowflakeConfig {
	return config.SnowflakeConfig{
		LoginTimeout:            time.Second,
		RetryAttempts:           3,
		RetryDelay:              time.Millisecond,
		BreakerFailureThreshold: 2,
		BreakerSuccessThreshold: 1,
		BreakerTimeout:          time.Hour,
	}
}

func TestResilientFactoryRetriesRetryable(t *testing.T) {
	mem := NewMemoryFactory()
	mem.FailOpens(2, errors.New(errors.ErrorTypeConnection, "connection reset"))

	cfg := testSnowflakeConfig()
	cfg.BreakerFailureThreshold = 5
	f := NewResilientFactory(mem, cfg, zaptest.NewLogger(t))

	s, err := f.Open(context.Background(), Identity{Account: "acme", User: "loader"})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", s.ID)
	assert.Equal(t, "closed", f.BreakerState().State)
}

func TestResilientFactoryDoesNotRetryAuthFailure(t *testing.T) {
	mem := NewMemoryFactory()
	calls := 0
	mem.OnOpen(func(Identity) { calls++ })
	mem.FailOpens(-1, errors.New(errors.ErrorTypeAuthentication, "incorrect password"))

	f := NewResilientFactory(mem, testSnowflakeConfig(), zaptest.NewLogger(t))

	_, err := f.Open(context.Background(), Identity{Account: "acme", User: "loader"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Equal(t, 1, calls)
}

func TestResilientFactoryOpenBreakerFailsFast(t *testing.T) {
	mem := NewMemoryFactory()
	mem.FailOpens(-1, errors.New(errors.ErrorTypeAuthentication, "locked out"))

	cfg := testSnowflakeConfig()
	cfg.RetryAttempts = 1
	f := NewResilientFactory(mem, cfg, zaptest.NewLogger(t))
	id := Identity{Account: "acme", User: "loader"}

	for i := 0; i < 2; i++ {
		_, err := f.Open(context.Background(), id)
		require.Error(t, err)
	}
	assert.Equal(t, "open", f.BreakerState().State)

	_, err := f.Open(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.IsSessionCreation(err))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestResilientFactoryPassesThroughClose(t *testing.T) {
	mem := NewMemoryFactory()
	f := NewResilientFactory(mem, testSnowflakeConfig(), zaptest.NewLogger(t))

	s, err := f.Open(context.Background(), Identity{Account: "acme", User: "loader"})
	require.NoError(t, err)
	require.NoError(t, f.Ping(context.Background(), s))
	require.NoError(t, f.Close(context.Background(), s))
	assert.Equal(t, 0, mem.Live())
}

func TestParseAuthenticator(t *testing.T) {
	tests := map[string]gosnowflake.AuthType{
		"":                      gosnowflake.AuthTypeSnowflake,
		"SNOWFLAKE":             gosnowflake.AuthTypeSnowflake,
		"oauth":                 gosnowflake.AuthTypeOAuth,
		"externalbrowser":       gosnowflake.AuthTypeExternalBrowser,
		"username_password_mfa": gosnowflake.AuthTypeUsernamePasswordMFA,
	}
	for name, want := range tests {
		got, err := parseAuthenticator(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := parseAuthenticator("kerberos")
	assert.True(t, errors.IsConfig(err))
}

func TestSnowflakeDriverConfig(t *testing.T) {
	f := NewSnowflakeFactory(testSnowflakeConfig(), zaptest.NewLogger(t))

	cfg, err := f.driverConfig(Identity{
		Account:   " acme-xy12345 ",
		User:      "loader",
		Password:  "pw",
		Database:  "SALES",
		Warehouse: "LOAD_WH",
		Role:      "LOADER",
	})
	require.NoError(t, err)

	assert.Equal(t, "acme-xy12345", cfg.Account)
	assert.Equal(t, "SALES", cfg.Database)
	assert.Equal(t, "LOAD_WH", cfg.Warehouse)
	assert.Equal(t, "snowpool", cfg.Application)
	assert.Equal(t, time.Second, cfg.LoginTimeout)
}

func TestSnowflakeConnectorCachedPerIdentity(t *testing.T) {
	f := NewSnowflakeFactory(testSnowflakeConfig(), zaptest.NewLogger(t))
	id := Identity{Account: "acme", User: "loader"}

	_, err := f.connector(id)
	require.NoError(t, err)
	_, err = f.connector(Identity{Account: "ACME", User: "Loader"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.connectors.Len())

	_, err = f.connector(Identity{Account: "acme", User: "reporter"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.connectors.Len())
}

func TestSnowflakeConnectorCacheIsBounded(t *testing.T) {
	cfg := testSnowflakeConfig()
	cfg.ConnectorCacheSize = 2
	f := NewSnowflakeFactory(cfg, zaptest.NewLogger(t))

	rotated := Identity{Account: "acme", User: "loader", Password: "old"}
	_, err := f.connector(rotated)
	require.NoError(t, err)

	for _, password := range []string{"new", "newer"} {
		_, err := f.connector(Identity{Account: "acme", User: "loader", Password: password})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, f.connectors.Len())
	assert.False(t, f.connectors.Contains(rotated.Key()))
}

func TestSnowflakeConnectorCacheDefaultSize(t *testing.T) {
	f := NewSnowflakeFactory(config.SnowflakeConfig{}, nil)
	for n := 0; n < defaultConnectorCacheSize+5; n++ {
		_, err := f.connector(Identity{Account: "acme", User: fmt.Sprintf("user%d", n)})
		require.NoError(t, err)
	}
	assert.Equal(t, defaultConnectorCacheSize, f.connectors.Len())
}

func TestSnowflakeOpenRejectsInvalidIdentity(t *testing.T) {
	f := NewSnowflakeFactory(testSnowflakeConfig(), zaptest.NewLogger(t))
	_, err := f.Open(context.Background(), Identity{User: "loader"})
	assert.True(t, errors.IsConfig(err))
}

func TestClassifyOpenError(t *testing.T) {
	assert.True(t, errors.IsType(classifyOpenError(context.DeadlineExceeded), errors.ErrorTypeTimeout))
	assert.True(t, errors.IsType(classifyOpenError(&gosnowflake.SnowflakeError{Number: 390100}), errors.ErrorTypeAuthentication))
	assert.True(t, errors.IsType(classifyOpenError(fmt.Errorf("dial tcp: refused")), errors.ErrorTypeConnection))
}

func TestSnowflakeFactoryIntegration(t *testing.T) {
	id := IdentityFromEnv("SNOWFLAKE")
	if id.Account == "" {
		t.Skip("SNOWFLAKE_ACCOUNT not set")
	}
	f := NewSnowflakeFactory(config.DefaultManagerConfig().Snowflake, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := f.Open(ctx, id)
	require.NoError(t, err)
	assert.NoError(t, f.Ping(ctx, s))
	assert.NoError(t, f.Close(ctx, s))
}
