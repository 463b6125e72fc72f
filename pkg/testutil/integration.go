package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/snowpool/pkg/session"
)

// IntegrationTestSuite provides base functionality for tests that talk to a
// real Snowflake account.
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	identity  session.Identity
	startTime time.Time
}

// SetupSuite skips the suite unless credentials are present in the environment.
func (s *IntegrationTestSuite) SetupSuite() {
	s.identity = SnowflakeIdentity(s.T())
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
	s.T().Logf("Integration test suite completed in %v", time.Since(s.startTime))
}

// Context returns the test context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// Identity returns the identity built from the environment.
func (s *IntegrationTestSuite) Identity() session.Identity {
	return s.identity
}

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// SnowflakeIdentity reads SNOWFLAKE_* variables, skipping the test when the
// account is not configured.
func SnowflakeIdentity(t *testing.T) session.Identity {
	t.Helper()
	IntegrationTest(t)

	id := session.IdentityFromEnv("SNOWFLAKE")
	if id.Account == "" {
		t.Skip("SNOWFLAKE_ACCOUNT not set")
	}
	return id
}
