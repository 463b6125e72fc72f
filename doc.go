// Package snowpool is the session pooling layer of a Snowflake client driver.
//
// Opening a Snowflake session costs a full authentication round trip, so
// snowpool keeps authenticated sessions in pools keyed by connection identity
// and hands them out to callers, reusing idle sessions where it can.
//
// # Architecture
//
// The layer is built from four parts:
//
//   - poolmanager.Manager resolves an identity to a pool under the active
//     strategy and runs the background idle eviction sweep.
//   - poolmanager.Selector holds the strategy: MultiPool keeps one pool per
//     identity, SingleSharedPool routes every identity to one shared pool with
//     pooling forced on.
//   - sessionpool.Pool bounds busy + idle sessions by MaxSize, reuses the most
//     recently returned session first and serves blocked borrowers in FIFO
//     order.
//   - session.Factory opens and closes sessions. MemoryFactory is an
//     in-process implementation for tests and load generation;
//     SnowflakeFactory logs in through gosnowflake and ResilientFactory adds
//     a circuit breaker and retries.
//
// # Quick Start
//
//	import (
//	    "github.com/ajitpratap0/snowpool/pkg/config"
//	    "github.com/ajitpratap0/snowpool/pkg/poolmanager"
//	    "github.com/ajitpratap0/snowpool/pkg/session"
//	)
//
//	cfg := config.DefaultManagerConfig()
//	factory := session.NewResilientFactory(
//	    session.NewSnowflakeFactory(cfg.Snowflake, logger), cfg.Snowflake, logger)
//
//	manager, err := poolmanager.NewFromConfig(cfg, factory, logger)
//	if err != nil {
//	    return err
//	}
//	defer manager.Close()
//	manager.Start(ctx)
//
//	pool, err := manager.GetPool(ctx, identity, cfg.DefaultPool)
//	if err != nil {
//	    return err
//	}
//	s, err := pool.Borrow(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.ReturnSession(s, true)
//
// # Errors
//
// Failures are *errors.Error values with a type: pool_timeout when no session
// became available in time, session_creation when the factory failed,
// invalid_state when a pool was retired by a strategy switch or clear (resolve
// the pool again), session_close for close failures and config for invalid
// input.
//
// # Observability
//
// Every component logs through zap and pool gauges and counters are exported
// through Prometheus. Session opens and pool resolution are traced with
// OpenTelemetry, and per-pool session counts are also recorded as the OTel
// db.client.connection.count metric.
//
// # Command line
//
//	snowpool config init -o snowpool.yaml
//	snowpool bench --strategy single_shared_pool --workers 32 --duration 10s
//	snowpool probe --config snowpool.yaml
package snowpool
