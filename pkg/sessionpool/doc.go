// Package sessionpool implements the borrow/return/eviction engine for the
// sessions of a single identity.
//
// A Pool keeps idle sessions on a LIFO stack so the warmest session is reused
// first, bounds busy + pending + idle by MaxSize, and queues callers FIFO when
// the pool is saturated:
//
//	pool, err := sessionpool.New(identity, factory, cfg, sessionpool.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	s, err := pool.GetSession(ctx, 5*time.Second)
//	if err != nil {
//	    return err // pool timeout, session creation or invalid state
//	}
//	healthy := run(s)
//	return pool.ReturnSession(s, healthy)
//
// Factory calls are never made while the pool lock is held. Eviction of
// expired idle sessions is driven externally through Evict, normally by the
// pool manager's background sweep.
package sessionpool
