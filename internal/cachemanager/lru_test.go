package cachemanager

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
	clocktest "github.com/AEtherlight-ai/lumina-sub000/internal/testutil"
)

func newClock() *clocktest.Clock { return clocktest.NewClock() }

func newTestCache[V any](clock *clocktest.Clock, opts ...Option) *Manager[V] {
	base := []Option{WithClock(clock.Now), WithLogger(log.Nop()), WithCleanupInterval(0)}
	return New[V]("test", append(base, opts...)...)
}

type ExampleStruct struct {
	ID   int
	Name string
}

func TestManager_GetExistingValue_StructType(t *testing.T) {
	cache := newTestCache[ExampleStruct](newClock())
	example := ExampleStruct{Name: "apple"}
	cache.Set(context.Background(), "ex:1", example, time.Minute)

	got, ok := cache.Get(context.Background(), "ex:1")
	require.True(t, ok)
	require.Equal(t, example, got)
}

func TestManager_GetWithNoExistingValue(t *testing.T) {
	cache := newTestCache[string](newClock())

	got, ok := cache.Get(context.Background(), "food")
	require.False(t, ok)
	require.Empty(t, got)
	require.Equal(t, uint64(1), cache.Stats().Misses)
}

func TestManager_GetWithExistingInvalidValueType(t *testing.T) {
	cache := newTestCache[string](newClock())
	cache.store.Set("food", 123, 0)

	got, ok := cache.Get(context.Background(), "food")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestManager_ExpiresAtBoundary(t *testing.T) {
	clock := newClock()
	cache := newTestCache[string](clock)
	ctx := context.Background()

	cache.Set(ctx, "session", "abc", time.Minute)

	clock.Advance(59 * time.Second)
	_, ok := cache.Get(ctx, "session")
	require.True(t, ok)

	clock.Advance(time.Second) // exactly at expiresAt
	_, ok = cache.Get(ctx, "session")
	require.False(t, ok)

	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Expirations)
	require.Equal(t, 0, stats.Size)
}

func TestManager_ZeroTTLNeverExpires(t *testing.T) {
	clock := newClock()
	cache := newTestCache[string](clock)

	cache.Set(context.Background(), "k", "v", 0)
	clock.Advance(24 * 365 * time.Hour)

	_, ok := cache.Get(context.Background(), "k")
	require.True(t, ok)
}

func TestManager_EvictsLeastRecentlyAccessed(t *testing.T) {
	clock := newClock()
	var evicted []string
	cache := newTestCache[int](clock,
		WithMaxSize(3),
		WithEvictionCallback(func(key string, _ int, reason EvictionReason) {
			require.Equal(t, EvictedCapacity, reason)
			evicted = append(evicted, key)
		}),
	)
	ctx := context.Background()

	cache.Set(ctx, "a", 1, 0)
	clock.Advance(time.Second)
	cache.Set(ctx, "b", 2, 0)
	clock.Advance(time.Second)
	cache.Set(ctx, "c", 3, 0)
	clock.Advance(time.Second)

	_, ok := cache.Get(ctx, "a") // a is now the most recent
	require.True(t, ok)

	cache.Set(ctx, "d", 4, 0)

	require.Equal(t, []string{"b"}, evicted)
	require.Equal(t, []string{"a", "c", "d"}, cache.Keys())
	require.Equal(t, 3, cache.Len())
	require.Equal(t, uint64(1), cache.Stats().Evictions)
}

func TestManager_EvictionTieBreaksByAccessOrder(t *testing.T) {
	// Same timestamp for every access: order of access still decides.
	cache := newTestCache[int](newClock(), WithMaxSize(2))
	ctx := context.Background()

	cache.Set(ctx, "x", 1, 0)
	cache.Set(ctx, "y", 2, 0)
	cache.Get(ctx, "x")
	cache.Set(ctx, "z", 3, 0)

	require.Equal(t, []string{"x", "z"}, cache.Keys())
}

func TestManager_OverwriteDoesNotEvict(t *testing.T) {
	cache := newTestCache[int](newClock(), WithMaxSize(2))
	ctx := context.Background()

	cache.Set(ctx, "a", 1, 0)
	cache.Set(ctx, "b", 2, 0)
	cache.Set(ctx, "a", 10, 0)

	require.Equal(t, 2, cache.Len())
	require.Equal(t, uint64(0), cache.Stats().Evictions)
	v, _ := cache.Get(ctx, "a")
	require.Equal(t, 10, v)
}

func TestManager_ExpiredEntryFreesSlotBeforeLRU(t *testing.T) {
	clock := newClock()
	cache := newTestCache[int](clock, WithMaxSize(2))
	ctx := context.Background()

	cache.Set(ctx, "short", 1, time.Second)
	cache.Set(ctx, "long", 2, 0)
	clock.Advance(2 * time.Second)

	// Overwriting the expired key counts as an expiry, not an eviction.
	cache.Set(ctx, "short", 3, 0)
	require.Equal(t, uint64(1), cache.Stats().Expirations)
	require.Equal(t, uint64(0), cache.Stats().Evictions)
}

func TestManager_GetWithRefresh(t *testing.T) {
	clock := newClock()
	cache := newTestCache[string](clock)
	ctx := context.Background()

	cache.Set(ctx, "food", "apple", time.Minute)
	clock.Advance(50 * time.Second)

	got, ok := cache.GetWithRefresh(ctx, "food", time.Minute)
	require.True(t, ok)
	require.Equal(t, "apple", got)

	clock.Advance(50 * time.Second)
	_, ok = cache.Get(ctx, "food")
	require.True(t, ok, "refresh should have restarted the TTL")

	_, ok = cache.GetWithRefresh(ctx, "missing", time.Minute)
	require.False(t, ok)
}

func TestManager_GetMultiple(t *testing.T) {
	cache := newTestCache[string](newClock())
	ctx := context.Background()

	got, ok := cache.GetMultiple(ctx, nil)
	require.False(t, ok)
	require.Nil(t, got)

	cache.Set(ctx, "food", "apple", 0)
	cache.Set(ctx, "drink", "juice", 0)

	got, ok = cache.GetMultiple(ctx, []string{"food", "drink", "missing"})
	require.True(t, ok)
	require.Equal(t, map[string]string{"food": "apple", "drink": "juice"}, got)

	got, ok = cache.GetMultiple(ctx, []string{"nope"})
	require.False(t, ok)
	require.Nil(t, got)
}

func TestManager_PeekDoesNotRefreshRecency(t *testing.T) {
	clock := newClock()
	cache := newTestCache[int](clock, WithMaxSize(2))
	ctx := context.Background()

	cache.Set(ctx, "a", 1, 0)
	clock.Advance(time.Second)
	cache.Set(ctx, "b", 2, 0)

	e, ok := cache.Peek("a")
	require.True(t, ok)
	require.Equal(t, 1, e.Value)
	require.True(t, e.ExpiresAt.IsZero())

	cache.Set(ctx, "c", 3, 0)
	_, ok = cache.Peek("a")
	require.False(t, ok, "peek must not protect a from eviction")
}

func TestManager_Invalidate(t *testing.T) {
	cache := newTestCache[string](newClock())
	ctx := context.Background()

	cache.Set(ctx, "a", "1", 0)
	cache.Set(ctx, "b", "2", 0)

	require.Equal(t, 0, cache.Invalidate(ctx))
	require.Equal(t, 1, cache.Invalidate(ctx, "a", "missing"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
}

func TestManager_InvalidatePattern(t *testing.T) {
	cache := newTestCache[string](newClock())
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "session:1"} {
		cache.Set(ctx, k, k, 0)
	}

	n, err := cache.InvalidatePattern(ctx, `^user:`)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"session:1"}, cache.Keys())

	_, err = cache.InvalidatePattern(ctx, `(`)
	require.Error(t, err)
}

func TestManager_Flush(t *testing.T) {
	cache := newTestCache[string](newClock())
	ctx := context.Background()
	cache.Set(ctx, "food", "apple", 0)

	cache.Flush(ctx)

	_, ok := cache.Get(ctx, "food")
	require.False(t, ok)
	require.Equal(t, 0, cache.Len())
}

func TestManager_Metrics(t *testing.T) {
	m := metrics.New()
	cache := newTestCache[string](newClock(), WithMetrics(m), WithMaxSize(1))
	ctx := context.Background()

	cache.Set(ctx, "a", "1", 0)
	cache.Get(ctx, "a")
	cache.Get(ctx, "b")
	cache.Set(ctx, "b", "2", 0)

	n, err := testutil.GatherAndCount(m.Registry(), "lumina_cache_entries")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	stats := cache.Stats()
	require.Equal(t, 0.5, stats.HitRate())
	require.Equal(t, 1, stats.MaxSize)
}

func TestStats_HitRateEmpty(t *testing.T) {
	require.Equal(t, 0.0, Stats{}.HitRate())
}

// Size never exceeds maxSize under any sequence of operations.
func TestProperty_SizeBounded(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		clock := newClock()
		maxSize := rapid.IntRange(1, 8).Draw(r, "maxSize")
		cache := newTestCache[int](clock, WithMaxSize(maxSize))
		ctx := context.Background()

		ops := rapid.IntRange(1, 100).Draw(r, "ops")
		for i := 0; i < ops; i++ {
			key := fmt.Sprintf("k%d", rapid.IntRange(0, 15).Draw(r, "key"))
			switch rapid.IntRange(0, 3).Draw(r, "op") {
			case 0, 1:
				ttl := time.Duration(rapid.IntRange(0, 5).Draw(r, "ttl")) * time.Second
				cache.Set(ctx, key, i, ttl)
			case 2:
				cache.Get(ctx, key)
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(0, 3).Draw(r, "advance")) * time.Second)
			}
			if n := cache.Len(); n > maxSize {
				r.Fatalf("size %d exceeds max %d", n, maxSize)
			}
		}
	})
}

type evictionLog struct {
	mu     sync.Mutex
	events []string
}

func (l *evictionLog) record(key string, _ int, reason EvictionReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, key+":"+string(reason))
}

func (l *evictionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func TestManager_RealClockExpiry(t *testing.T) {
	evicted := &evictionLog{}
	cache := New[int]("real",
		WithLogger(log.Nop()),
		WithCleanupInterval(0),
		WithEvictionCallback(evicted.record),
	)
	ctx := context.Background()

	cache.Set(ctx, "k", 1, 50*time.Millisecond)
	_, ok := cache.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = cache.Get(ctx, "k")
	require.False(t, ok)

	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.Expirations)
	require.Equal(t, 0, stats.Size)
	require.Equal(t, 0, cache.Len())
	require.Equal(t, []string{"k:expired"}, evicted.all())
}

func TestManager_PurgeExpired(t *testing.T) {
	clock := newClock()
	evicted := &evictionLog{}
	cache := newTestCache[int](clock, WithEvictionCallback(evicted.record))
	ctx := context.Background()

	cache.Set(ctx, "a", 1, time.Second)
	cache.Set(ctx, "b", 2, time.Second)
	cache.Set(ctx, "keep", 3, 0)
	require.Zero(t, cache.PurgeExpired(ctx))

	clock.Advance(time.Second)
	require.Equal(t, 2, cache.PurgeExpired(ctx))
	require.Equal(t, 1, cache.Len())
	require.Equal(t, uint64(2), cache.Stats().Expirations)
	require.ElementsMatch(t, []string{"a:expired", "b:expired"}, evicted.all())
}

func TestManager_FullCachePurgesExpiredBeforeEvicting(t *testing.T) {
	clock := newClock()
	evicted := &evictionLog{}
	cache := newTestCache[int](clock, WithMaxSize(2), WithEvictionCallback(evicted.record))
	ctx := context.Background()

	cache.Set(ctx, "short", 1, time.Second)
	cache.Set(ctx, "long", 2, 0)
	clock.Advance(2 * time.Second)

	cache.Set(ctx, "new", 3, 0)
	require.Equal(t, []string{"long", "new"}, cache.Keys())
	require.Equal(t, uint64(0), cache.Stats().Evictions)
	require.Equal(t, []string{"short:expired"}, evicted.all())
}

func TestManager_JanitorPurges(t *testing.T) {
	cache := New[int]("janitor", WithLogger(log.Nop()), WithCleanupInterval(10*time.Millisecond))
	ctx := context.Background()

	cache.Set(ctx, "k", 1, 20*time.Millisecond)
	require.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), cache.Stats().Expirations)

	require.NoError(t, cache.Dispose(ctx))
	require.NoError(t, cache.Dispose(ctx))
}
