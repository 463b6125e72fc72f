// Package config provides configuration management for snowpool.
//
// # Pool configuration
//
// Every session pool carries a PoolConfig copied at construction:
//
//	cfg := config.DefaultPoolConfig()
//	cfg.MaxSize = 20
//	cfg.IdleExpiration = 10 * time.Minute
//
// # Manager configuration
//
// ManagerConfig is loaded with viper. Values come from, in increasing order
// of precedence, built-in defaults, a YAML file, and SNOWPOOL_* environment
// variables (dots become underscores):
//
//	# snowpool.yaml
//	pool_version: multi_pool
//	eviction_interval: 30s
//	default_pool:
//	  max_size: 10
//	  idle_expiration: 1h
//
//	SNOWPOOL_DEFAULT_POOL_MAX_SIZE=4 snowpool bench --config snowpool.yaml
//
// Load and Save offer plain YAML round-tripping with ${VAR_NAME}
// substitution, used by `snowpool config init`.
package config
