// Package cachemanager provides a bounded in-memory cache with per-entry
// TTL and least-recently-used eviction, plus a read-through helper.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the surface the read-through helper depends on.
type CacheManager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	GetWithRefresh(ctx context.Context, key string, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Invalidate(ctx context.Context, keys ...string) int
	Flush(ctx context.Context)
}
