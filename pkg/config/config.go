// Package config provides the configuration model for snowpool.
//
// Two structures matter:
//   - PoolConfig: sizing and timeout settings attached to one session pool
//   - ManagerConfig: process-level settings for the pool manager, its
//     eviction scheduler, logging, metrics, tracing and the Snowflake factory
//
// Example usage:
//
//	cfg := config.DefaultPoolConfig()
//	cfg.MaxSize = 20
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"

	"github.com/ajitpratap0/snowpool/pkg/errors"
	"github.com/ajitpratap0/snowpool/pkg/logger"
)

// PoolConfig holds the sizing and timeout settings of a single session pool.
// It is copied into the pool at construction time.
type PoolConfig struct {
	// MinSize is the number of sessions WarmUp pre-creates
	MinSize int `yaml:"min_size" json:"min_size" mapstructure:"min_size"`
	// MaxSize bounds busy + idle + in-flight creations
	MaxSize int `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
	// PoolingEnabled controls whether returned sessions are recycled
	PoolingEnabled bool `yaml:"pooling_enabled" json:"pooling_enabled" mapstructure:"pooling_enabled"`
	// IdleExpiration is how long a session may sit idle before eviction (0 = never)
	IdleExpiration time.Duration `yaml:"idle_expiration" json:"idle_expiration" mapstructure:"idle_expiration"`
	// BorrowWaitTimeout bounds how long Borrow waits for a session
	BorrowWaitTimeout time.Duration `yaml:"borrow_wait_timeout" json:"borrow_wait_timeout" mapstructure:"borrow_wait_timeout"`
	// WarmUp pre-creates MinSize sessions when the pool is built
	WarmUp bool `yaml:"warm_up" json:"warm_up" mapstructure:"warm_up"`
}

// DefaultPoolConfig returns the pool settings used when a caller supplies none.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:           2,
		MaxSize:           10,
		PoolingEnabled:    true,
		IdleExpiration:    time.Hour,
		BorrowWaitTimeout: 30 * time.Second,
	}
}

// Validate checks the sizing invariants of the pool configuration.
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxSize < 1:
		return errors.New(errors.ErrorTypeConfig, "max_size must be at least 1").
			WithDetail("max_size", c.MaxSize)
	case c.MinSize < 0:
		return errors.New(errors.ErrorTypeConfig, "min_size cannot be negative").
			WithDetail("min_size", c.MinSize)
	case c.MinSize > c.MaxSize:
		return errors.New(errors.ErrorTypeConfig, "min_size cannot exceed max_size").
			WithDetail("min_size", c.MinSize).
			WithDetail("max_size", c.MaxSize)
	case c.IdleExpiration < 0:
		return errors.New(errors.ErrorTypeConfig, "idle_expiration cannot be negative")
	case c.BorrowWaitTimeout < 0:
		return errors.New(errors.ErrorTypeConfig, "borrow_wait_timeout cannot be negative")
	}
	return nil
}

// MetricsConfig controls Prometheus export.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name" mapstructure:"service_name"`
	Environment  string  `yaml:"environment" json:"environment" mapstructure:"environment"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" mapstructure:"sampling_rate"`
}

// SnowflakeConfig holds settings of the network-backed session factory.
type SnowflakeConfig struct {
	// LoginTimeout bounds the authentication round trip
	LoginTimeout time.Duration `yaml:"login_timeout" json:"login_timeout" mapstructure:"login_timeout"`
	// RetryAttempts is the number of Open attempts for retryable failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial backoff between attempts
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// BreakerFailureThreshold opens the circuit after this many consecutive failures
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" json:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	// BreakerSuccessThreshold closes a half-open circuit after this many successes
	BreakerSuccessThreshold int `yaml:"breaker_success_threshold" json:"breaker_success_threshold" mapstructure:"breaker_success_threshold"`
	// BreakerTimeout is how long the circuit stays open
	BreakerTimeout time.Duration `yaml:"breaker_timeout" json:"breaker_timeout" mapstructure:"breaker_timeout"`
	// ConnectorCacheSize caps the driver connectors kept per identity key
	ConnectorCacheSize int `yaml:"connector_cache_size" json:"connector_cache_size" mapstructure:"connector_cache_size"`
}

// ManagerConfig is the process-level configuration of the pool manager.
type ManagerConfig struct {
	// PoolVersion selects the registry strategy: multi_pool or single_shared_pool
	PoolVersion string `yaml:"pool_version" json:"pool_version" mapstructure:"pool_version"`
	// EvictionInterval is the period of the background eviction sweep
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval" mapstructure:"eviction_interval"`

	DefaultPool PoolConfig      `yaml:"default_pool" json:"default_pool" mapstructure:"default_pool"`
	Logging     logger.Config   `yaml:"logging" json:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Tracing     TracingConfig   `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
	Snowflake   SnowflakeConfig `yaml:"snowflake" json:"snowflake" mapstructure:"snowflake"`
}

// DefaultManagerConfig returns a ManagerConfig with production defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		PoolVersion:      "multi_pool",
		EvictionInterval: 30 * time.Second,
		DefaultPool:      DefaultPoolConfig(),
		Logging:          logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "snowpool",
			Environment:  "development",
			SamplingRate: 0.1,
		},
		Snowflake: SnowflakeConfig{
			LoginTimeout:            60 * time.Second,
			RetryAttempts:           3,
			RetryDelay:              time.Second,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 2,
			BreakerTimeout:          30 * time.Second,
			ConnectorCacheSize:      128,
		},
	}
}

// Validate checks the manager configuration.
func (mc *ManagerConfig) Validate() error {
	if mc.EvictionInterval <= 0 {
		return errors.New(errors.ErrorTypeConfig, "eviction_interval must be positive").
			WithDetail("eviction_interval", mc.EvictionInterval.String())
	}
	if mc.Snowflake.RetryAttempts < 0 {
		return errors.New(errors.ErrorTypeConfig, "snowflake.retry_attempts cannot be negative")
	}
	if mc.Snowflake.ConnectorCacheSize < 0 {
		return errors.New(errors.ErrorTypeConfig, "snowflake.connector_cache_size cannot be negative")
	}
	if mc.Tracing.SamplingRate < 0 || mc.Tracing.SamplingRate > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing.sampling_rate must be within [0, 1]")
	}
	if err := mc.DefaultPool.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid default_pool")
	}
	return nil
}
