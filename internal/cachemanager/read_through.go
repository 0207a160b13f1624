package cachemanager

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// Loader produces the value for a cache miss.
type Loader[V any, I any] func(ctx context.Context, input I) (V, error)

type readThroughConfig struct {
	bypass  bool
	refresh bool
}

// ReadThroughOption configures a ReadThrough.
type ReadThroughOption func(*readThroughConfig)

// WithBypass sends every call straight to the loader.
func WithBypass(bypass bool) ReadThroughOption {
	return func(c *readThroughConfig) { c.bypass = bypass }
}

// WithRefreshOnHit restarts an entry's TTL each time it is served.
func WithRefreshOnHit() ReadThroughOption {
	return func(c *readThroughConfig) { c.refresh = true }
}

type loadCall[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// ReadThrough serves values from a cache and loads them on a miss.
// Successful loads are cached; errors are not. Concurrent misses for the
// same key share one loader call.
type ReadThrough[V any, I any] struct {
	cache CacheManager[V]
	load  Loader[V, I]
	cfg   readThroughConfig

	mu       sync.Mutex
	inflight map[string]*loadCall[V]
}

func NewReadThrough[V any, I any](cache CacheManager[V], load Loader[V, I], opts ...ReadThroughOption) *ReadThrough[V, I] {
	r := &ReadThrough[V, I]{
		cache:    cache,
		load:     load,
		inflight: make(map[string]*loadCall[V]),
	}
	for _, opt := range opts {
		opt(&r.cfg)
	}
	return r
}

// Get returns the cached value for key, calling the loader with input on a
// miss and caching the result for ttl.
func (r *ReadThrough[V, I]) Get(ctx context.Context, key string, input I, ttl time.Duration) (V, error) {
	if r.cfg.bypass {
		return r.callLoader(ctx, input)
	}

	var (
		value V
		ok    bool
	)
	if r.cfg.refresh {
		value, ok = r.cache.GetWithRefresh(ctx, key, ttl)
	} else {
		value, ok = r.cache.Get(ctx, key)
	}
	if ok {
		return value, nil
	}
	return r.loadShared(ctx, key, input, ttl)
}

func (r *ReadThrough[V, I]) loadShared(ctx context.Context, key string, input I, ttl time.Duration) (V, error) {
	r.mu.Lock()
	if c, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	c := &loadCall[V]{done: make(chan struct{})}
	r.inflight[key] = c
	r.mu.Unlock()

	c.val, c.err = r.callLoader(ctx, input)
	if c.err == nil {
		r.cache.Set(ctx, key, c.val, ttl)
	}

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	close(c.done)
	return c.val, c.err
}

// callLoader runs the loader, turning a panic into an error so waiters on
// a shared load are always released.
func (r *ReadThrough[V, I]) callLoader(ctx context.Context, input I) (v V, err error) {
	var pc panics.Catcher
	pc.Try(func() { v, err = r.load(ctx, input) })
	if rec := pc.Recovered(); rec != nil {
		var zero V
		return zero, rec.AsError()
	}
	return v, err
}
