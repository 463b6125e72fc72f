package session

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowpool/pkg/config"
	"github.com/ajitpratap0/snowpool/pkg/errors"
)

const defaultConnectorCacheSize = 128

// SnowflakeFactory opens authenticated Snowflake sessions. It keeps a
// gosnowflake connector per identity key in a bounded LRU, so keys left behind
// by rotated credentials age out; each Open performs a fresh login.
type SnowflakeFactory struct {
	cfg    config.SnowflakeConfig
	logger *zap.Logger

	mu         sync.Mutex
	connectors *lru.Cache[string, driver.Connector]
}

// NewSnowflakeFactory creates a factory using the given driver settings.
func NewSnowflakeFactory(cfg config.SnowflakeConfig, logger *zap.Logger) *SnowflakeFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.ConnectorCacheSize
	if size <= 0 {
		size = defaultConnectorCacheSize
	}
	// lru.New only fails for a non-positive size.
	connectors, _ := lru.New[string, driver.Connector](size)
	return &SnowflakeFactory{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "snowflake_factory")),
		connectors: connectors,
	}
}

// Open logs in and wraps the resulting driver connection in a Session.
func (f *SnowflakeFactory) Open(ctx context.Context, id Identity) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	connector, err := f.connector(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, classifyOpenError(err).
			WithDetail("account", id.Account).
			WithDetail("user", id.User)
	}

	s := New(uuid.NewString(), conn, time.Now())
	f.logger.Debug("snowflake session opened",
		zap.String("session_id", s.ID),
		zap.String("identity", id.String()),
		zap.Duration("login_duration", time.Since(start)))

	return s, nil
}

// Close closes the underlying driver connection.
func (f *SnowflakeFactory) Close(_ context.Context, s *Session) error {
	conn, ok := s.Handle().(driver.Conn)
	if !ok {
		return errors.Newf(errors.ErrorTypeInvalidState, "session %s has no snowflake connection", s.ID)
	}
	if err := conn.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close snowflake connection").
			WithDetail("session_id", s.ID)
	}
	return nil
}

// Ping checks the session with a server round trip.
func (f *SnowflakeFactory) Ping(ctx context.Context, s *Session) error {
	conn, ok := s.Handle().(driver.Conn)
	if !ok {
		return errors.Newf(errors.ErrorTypeInvalidState, "session %s has no snowflake connection", s.ID)
	}
	pinger, ok := conn.(driver.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "snowflake ping failed").
			WithDetail("session_id", s.ID)
	}
	return nil
}

func (f *SnowflakeFactory) connector(id Identity) (driver.Connector, error) {
	key := id.Key()

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.connectors.Get(key); ok {
		return c, nil
	}

	sfCfg, err := f.driverConfig(id)
	if err != nil {
		return nil, err
	}
	c := gosnowflake.NewConnector(gosnowflake.SnowflakeDriver{}, *sfCfg)
	if evicted := f.connectors.Add(key, c); evicted {
		f.logger.Debug("snowflake connector evicted", zap.Int("cached", f.connectors.Len()))
	}
	return c, nil
}

func (f *SnowflakeFactory) driverConfig(id Identity) (*gosnowflake.Config, error) {
	authType, err := parseAuthenticator(id.Authenticator)
	if err != nil {
		return nil, err
	}

	application := id.Application
	if application == "" {
		application = "snowpool"
	}

	return &gosnowflake.Config{
		Account:       strings.TrimSpace(id.Account),
		User:          strings.TrimSpace(id.User),
		Password:      id.Password,
		Token:         id.Token,
		Host:          strings.TrimSpace(id.Host),
		Port:          id.Port,
		Database:      strings.TrimSpace(id.Database),
		Schema:        strings.TrimSpace(id.Schema),
		Warehouse:     strings.TrimSpace(id.Warehouse),
		Role:          strings.TrimSpace(id.Role),
		Authenticator: authType,
		Application:   application,
		LoginTimeout:  f.cfg.LoginTimeout,
	}, nil
}

func parseAuthenticator(name string) (gosnowflake.AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snowflake":
		return gosnowflake.AuthTypeSnowflake, nil
	case "oauth":
		return gosnowflake.AuthTypeOAuth, nil
	case "externalbrowser":
		return gosnowflake.AuthTypeExternalBrowser, nil
	case "username_password_mfa":
		return gosnowflake.AuthTypeUsernamePasswordMFA, nil
	default:
		return 0, errors.Newf(errors.ErrorTypeConfig, "unsupported authenticator %q", name)
	}
}

// classifyOpenError maps driver failures onto the error taxonomy. Errors the
// server reported are treated as authentication failures and not retried.
func classifyOpenError(err error) *errors.Error {
	var sfErr *gosnowflake.SnowflakeError
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeTimeout, "snowflake login timed out")
	case stderrors.As(err, &sfErr):
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "snowflake rejected login").
			WithDetail("code", sfErr.Number)
	default:
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to snowflake")
	}
}
