package poolmanager

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/snowpool/pkg/metrics"
	"github.com/ajitpratap0/snowpool/pkg/sessionpool"
)

// errRetired is returned by a registry that was swapped out. GetPool reloads
// the selector state and tries again.
var errRetired = stderrors.New("pool registry retired")

type buildFunc func(ctx context.Context) (*sessionpool.Pool, error)

// registry maps keys to pools for one strategy.
type registry interface {
	get(ctx context.Context, key string, build buildFunc) (*sessionpool.Pool, error)
	pools() []*sessionpool.Pool
	retire() error
}

var (
	_ registry = (*multiRegistry)(nil)
	_ registry = (*sharedRegistry)(nil)
)

// multiRegistry holds one pool per identity key. Concurrent first
// resolutions of a key build a single pool; unrelated keys do not serialize.
// Each registry adds its own pools to the active gauge and subtracts them on
// retire, so generations of the same strategy never overwrite each other.
type multiRegistry struct {
	mu      sync.RWMutex
	byKey   map[string]*sessionpool.Pool
	retired bool
	group   singleflight.Group
	active  prometheus.Gauge
}

func newMultiRegistry() *multiRegistry {
	return &multiRegistry{
		byKey:  make(map[string]*sessionpool.Pool),
		active: metrics.ActivePools.WithLabelValues(MultiPool.String()),
	}
}

func (r *multiRegistry) lookup(key string) (*sessionpool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.retired {
		return nil, errRetired
	}
	return r.byKey[key], nil
}

func (r *multiRegistry) get(ctx context.Context, key string, build buildFunc) (*sessionpool.Pool, error) {
	if p, err := r.lookup(key); p != nil || err != nil {
		return p, err
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if p, err := r.lookup(key); p != nil || err != nil {
			return p, err
		}

		p, err := build(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.retired {
			r.mu.Unlock()
			_ = p.Close()
			return nil, errRetired
		}
		r.byKey[key] = p
		r.active.Inc()
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionpool.Pool), nil
}

func (r *multiRegistry) pools() []*sessionpool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sessionpool.Pool, 0, len(r.byKey))
	for _, p := range r.byKey {
		out = append(out, p)
	}
	return out
}

func (r *multiRegistry) retire() error {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return nil
	}
	r.retired = true
	byKey := r.byKey
	r.byKey = nil
	r.active.Sub(float64(len(byKey)))
	r.mu.Unlock()

	var errs error
	for _, p := range byKey {
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}

// sharedRegistry resolves every key to one pool, built by the first caller.
type sharedRegistry struct {
	mu      sync.RWMutex
	pool    *sessionpool.Pool
	retired bool
	group   singleflight.Group
	active  prometheus.Gauge
}

func newSharedRegistry() *sharedRegistry {
	return &sharedRegistry{active: metrics.ActivePools.WithLabelValues(SingleSharedPool.String())}
}

func (r *sharedRegistry) current() (*sessionpool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.retired {
		return nil, errRetired
	}
	return r.pool, nil
}

func (r *sharedRegistry) get(ctx context.Context, _ string, build buildFunc) (*sessionpool.Pool, error) {
	if p, err := r.current(); p != nil || err != nil {
		return p, err
	}

	v, err, _ := r.group.Do("shared", func() (interface{}, error) {
		if p, err := r.current(); p != nil || err != nil {
			return p, err
		}

		p, err := build(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.retired {
			_ = p.Close()
			return nil, errRetired
		}
		r.pool = p
		r.active.Inc()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionpool.Pool), nil
}

func (r *sharedRegistry) pools() []*sessionpool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pool == nil {
		return nil
	}
	return []*sessionpool.Pool{r.pool}
}

func (r *sharedRegistry) retire() error {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return nil
	}
	r.retired = true
	p := r.pool
	r.pool = nil
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	r.active.Dec()
	return p.Close()
}
