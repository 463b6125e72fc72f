package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// SNOWPOOL_DEFAULT_POOL_MAX_SIZE=20.
const EnvPrefix = "SNOWPOOL"

// LoadManagerConfig reads the manager configuration from path (YAML, may be
// empty) layered over defaults and SNOWPOOL_* environment variables, then
// validates it.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &ManagerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewViper returns a viper instance preloaded with defaults and env bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultManagerConfig())
	return v
}

// setDefaults registers every key so AutomaticEnv can resolve overrides for
// keys absent from the file.
func setDefaults(v *viper.Viper, d *ManagerConfig) {
	v.SetDefault("pool_version", d.PoolVersion)
	v.SetDefault("eviction_interval", d.EvictionInterval)

	v.SetDefault("default_pool.min_size", d.DefaultPool.MinSize)
	v.SetDefault("default_pool.max_size", d.DefaultPool.MaxSize)
	v.SetDefault("default_pool.pooling_enabled", d.DefaultPool.PoolingEnabled)
	v.SetDefault("default_pool.idle_expiration", d.DefaultPool.IdleExpiration)
	v.SetDefault("default_pool.borrow_wait_timeout", d.DefaultPool.BorrowWaitTimeout)
	v.SetDefault("default_pool.warm_up", d.DefaultPool.WarmUp)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.output_paths", d.Logging.OutputPaths)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.environment", d.Tracing.Environment)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)

	v.SetDefault("snowflake.login_timeout", d.Snowflake.LoginTimeout)
	v.SetDefault("snowflake.retry_attempts", d.Snowflake.RetryAttempts)
	v.SetDefault("snowflake.retry_delay", d.Snowflake.RetryDelay)
	v.SetDefault("snowflake.breaker_failure_threshold", d.Snowflake.BreakerFailureThreshold)
	v.SetDefault("snowflake.breaker_success_threshold", d.Snowflake.BreakerSuccessThreshold)
	v.SetDefault("snowflake.breaker_timeout", d.Snowflake.BreakerTimeout)
	v.SetDefault("snowflake.connector_cache_size", d.Snowflake.ConnectorCacheSize)
}
