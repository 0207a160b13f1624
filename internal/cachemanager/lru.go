package cachemanager

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
)

const (
	DefaultMaxSize         = 1000
	DefaultCleanupInterval = 30 * time.Minute
)

// EvictionReason says why an entry left the cache without being invalidated.
type EvictionReason string

const (
	EvictedCapacity EvictionReason = "capacity"
	EvictedExpired  EvictionReason = "expired"
)

// Entry is a cached value with its bookkeeping timestamps.
type Entry[V any] struct {
	Key            string
	Value          V
	InsertedAt     time.Time
	ExpiresAt      time.Time // zero means never
	LastAccessedAt time.Time

	touched uint64
}

func (e *Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	MaxSize     int
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Manager is a size-bounded cache. Entries live in a go-cache store; the
// manager owns expiry and LRU decisions so they follow its clock.
type Manager[V any] struct {
	name    string
	mu      sync.Mutex
	store   *gocache.Cache
	maxSize int
	now     func() time.Time
	seq     uint64

	stats   Stats
	metrics *metrics.Metrics
	logger  log.Logger
	onEvict func(key string, value V, reason EvictionReason)

	stopJanitor chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

var _ CacheManager[string] = (*Manager[string])(nil)

// Option configures a Manager.
type Option func(*options)

type options struct {
	maxSize         int
	cleanupInterval time.Duration
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          log.Logger
	onEvict         any
}

// WithMaxSize bounds the number of entries. Values below 1 are ignored.
func WithMaxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithCleanupInterval sets how often PurgeExpired runs in the background.
// Zero disables the janitor; expiry still applies on read.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cleanupInterval = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvictionCallback is called, outside the cache lock, for every entry
// removed by capacity eviction or lazy expiry.
func WithEvictionCallback[V any](fn func(key string, value V, reason EvictionReason)) Option {
	return func(o *options) { o.onEvict = fn }
}

// New creates a cache named name (used in logs and metrics).
func New[V any](name string, opts ...Option) *Manager[V] {
	o := options{
		maxSize:         DefaultMaxSize,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		logger:          log.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	// The store never expires items itself; every expiry decision goes
	// through m.now.
	m := &Manager[V]{
		name:    name,
		store:   gocache.New(gocache.NoExpiration, 0),
		maxSize: o.maxSize,
		now:     o.now,
		metrics: o.metrics,
		logger:  o.logger,
	}
	if fn, ok := o.onEvict.(func(string, V, EvictionReason)); ok {
		m.onEvict = fn
	}
	m.stats.MaxSize = m.maxSize
	if o.cleanupInterval > 0 {
		m.startJanitor(o.cleanupInterval)
	}
	return m
}

func (m *Manager[V]) startJanitor(interval time.Duration) {
	m.stopJanitor = make(chan struct{})
	m.janitorDone = make(chan struct{})
	log.SafeGo("cache janitor "+m.name, func() {
		defer close(m.janitorDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopJanitor:
				return
			case <-ticker.C:
				m.PurgeExpired(context.Background())
			}
		}
	})
}

// Dispose stops the background janitor.
func (m *Manager[V]) Dispose(context.Context) error {
	m.stopOnce.Do(func() {
		if m.stopJanitor != nil {
			close(m.stopJanitor)
			<-m.janitorDone
		}
	})
	return nil
}

// Name returns the cache name.
func (m *Manager[V]) Name() string { return m.name }

type eviction[V any] struct {
	key    string
	value  V
	reason EvictionReason
}

func (m *Manager[V]) notify(evs []eviction[V]) {
	if m.onEvict == nil {
		return
	}
	for _, ev := range evs {
		m.onEvict(ev.key, ev.value, ev.reason)
	}
}

// lookup returns the live entry for key, removing it if expired. Callers
// hold m.mu.
func (m *Manager[V]) lookup(key string, now time.Time) (*Entry[V], *eviction[V]) {
	raw, found := m.store.Get(key)
	if !found {
		return nil, nil
	}
	e, ok := raw.(*Entry[V])
	if !ok {
		m.logger.Log(log.LevelError, log.CatCache, "wrong type assertion when getting value", "cache", m.name, "key", key)
		m.store.Delete(key)
		return nil, nil
	}
	if e.expired(now) {
		m.store.Delete(key)
		m.stats.Expirations++
		m.metrics.CacheOp(m.name, "expiration")
		return nil, &eviction[V]{key: key, value: e.Value, reason: EvictedExpired}
	}
	return e, nil
}

// Get returns the value for key. An entry at or past its expiry is removed
// and reported as a miss.
func (m *Manager[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V

	m.mu.Lock()
	now := m.now()
	e, ev := m.lookup(key, now)
	if e == nil {
		m.stats.Misses++
		m.metrics.CacheOp(m.name, "miss")
		m.metrics.CacheSize(m.name, m.store.ItemCount())
		m.mu.Unlock()
		if ev != nil {
			m.notify([]eviction[V]{*ev})
		}
		return zero, false
	}
	m.touch(e, now)
	m.stats.Hits++
	m.metrics.CacheOp(m.name, "hit")
	v := e.Value
	m.mu.Unlock()

	return v, true
}

// GetWithRefresh returns the value for key and, on a hit, restarts its TTL.
func (m *Manager[V]) GetWithRefresh(ctx context.Context, key string, ttl time.Duration) (V, bool) {
	v, ok := m.Get(ctx, key)
	if !ok {
		return v, false
	}
	m.Set(ctx, key, v, ttl)
	return v, true
}

// GetMultiple returns the values found for keys. The bool is false when
// none of the keys were found.
func (m *Manager[V]) GetMultiple(ctx context.Context, keys []string) (map[string]V, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	values := make(map[string]V, len(keys))
	for _, key := range keys {
		if v, ok := m.Get(ctx, key); ok {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil, false
	}
	return values, true
}

// Peek returns the entry for key without refreshing its recency.
func (m *Manager[V]) Peek(key string) (Entry[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, found := m.store.Get(key)
	if !found {
		return Entry[V]{}, false
	}
	e, ok := raw.(*Entry[V])
	if !ok || e.expired(m.now()) {
		return Entry[V]{}, false
	}
	return *e, true
}

func (m *Manager[V]) touch(e *Entry[V], now time.Time) {
	m.seq++
	e.LastAccessedAt = now
	e.touched = m.seq
}

// Set stores value under key. A ttl of zero or less never expires. Adding a
// new key to a full cache first evicts the least recently accessed entry.
func (m *Manager[V]) Set(_ context.Context, key string, value V, ttl time.Duration) {
	m.mu.Lock()
	now := m.now()

	var evs []eviction[V]
	existing, ev := m.lookup(key, now)
	if ev != nil {
		evs = append(evs, *ev)
	}
	if existing == nil && m.store.ItemCount() >= m.maxSize {
		evs = append(evs, m.purgeExpired(now)...)
		if m.store.ItemCount() >= m.maxSize {
			if victim, ok := m.evictLRU(); ok {
				evs = append(evs, victim)
			}
		}
	}

	e := &Entry[V]{Key: key, Value: value, InsertedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	m.touch(e, now)

	m.store.Set(key, e, gocache.NoExpiration)
	m.metrics.CacheSize(m.name, m.store.ItemCount())
	m.mu.Unlock()

	m.notify(evs)
}

// PurgeExpired removes every expired entry and returns how many were
// removed. Each removal counts as an expiration and reaches the eviction
// callback.
func (m *Manager[V]) PurgeExpired(_ context.Context) int {
	m.mu.Lock()
	evs := m.purgeExpired(m.now())
	if len(evs) > 0 {
		m.metrics.CacheSize(m.name, m.store.ItemCount())
	}
	m.mu.Unlock()

	m.notify(evs)
	return len(evs)
}

// purgeExpired is PurgeExpired without locking or notification. Callers
// hold m.mu.
func (m *Manager[V]) purgeExpired(now time.Time) []eviction[V] {
	var evs []eviction[V]
	for key, item := range m.store.Items() {
		e, ok := item.Object.(*Entry[V])
		if !ok || !e.expired(now) {
			continue
		}
		if _, ev := m.lookup(key, now); ev != nil {
			evs = append(evs, *ev)
		}
	}
	if len(evs) > 0 {
		m.logger.Log(log.LevelDebug, log.CatCache, "purged expired entries", "cache", m.name, "count", len(evs))
	}
	return evs
}

// evictLRU removes the entry with the oldest access. This is a linear scan,
// fine for caches up to roughly ten thousand entries. Callers hold m.mu.
func (m *Manager[V]) evictLRU() (eviction[V], bool) {
	var victim *Entry[V]
	for _, item := range m.store.Items() {
		e, ok := item.Object.(*Entry[V])
		if !ok {
			continue
		}
		if victim == nil || e.touched < victim.touched {
			victim = e
		}
	}
	if victim == nil {
		return eviction[V]{}, false
	}

	m.store.Delete(victim.Key)
	m.stats.Evictions++
	m.metrics.CacheOp(m.name, "eviction")
	m.logger.Log(log.LevelDebug, log.CatCache, "evicted least recently used entry", "cache", m.name, "key", victim.Key)
	return eviction[V]{key: victim.Key, value: victim.Value, reason: EvictedCapacity}, true
}

// Invalidate removes keys and returns how many were present.
func (m *Manager[V]) Invalidate(_ context.Context, keys ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if _, found := m.store.Get(key); found {
			m.store.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		m.metrics.CacheSize(m.name, m.store.ItemCount())
	}
	return removed
}

// InvalidatePattern removes every key matching the regular expression expr
// and returns how many were removed.
func (m *Manager[V]) InvalidatePattern(_ context.Context, expr string) (int, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cache key pattern %q: %w", expr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.store.Items() {
		if re.MatchString(key) {
			m.store.Delete(key)
			removed++
		}
	}
	m.metrics.CacheSize(m.name, m.store.ItemCount())
	m.logger.Log(log.LevelDebug, log.CatCache, "invalidated by pattern", "cache", m.name, "pattern", expr, "removed", removed)
	return removed, nil
}

// Flush removes every entry. Counters are kept.
func (m *Manager[V]) Flush(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Flush()
	m.metrics.CacheSize(m.name, 0)
}

// Len returns the number of stored entries, including expired ones not yet
// purged by a read or the janitor.
func (m *Manager[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ItemCount()
}

// Keys returns the keys of live entries, sorted.
func (m *Manager[V]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0, m.store.ItemCount())
	for key, item := range m.store.Items() {
		if e, ok := item.Object.(*Entry[V]); ok && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Stats returns a snapshot of the counters.
func (m *Manager[V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Size = m.store.ItemCount()
	return s
}
