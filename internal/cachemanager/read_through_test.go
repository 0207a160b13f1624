package cachemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCacheManager[V any] struct {
	mock.Mock
}

func newMockCacheManager[V any](t *testing.T) *mockCacheManager[V] {
	m := &mockCacheManager[V]{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockCacheManager[V]) Get(ctx context.Context, key string) (V, bool) {
	args := m.Called(ctx, key)
	return args.Get(0).(V), args.Bool(1)
}

func (m *mockCacheManager[V]) GetWithRefresh(ctx context.Context, key string, ttl time.Duration) (V, bool) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(V), args.Bool(1)
}

func (m *mockCacheManager[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	m.Called(ctx, key, value, ttl)
}

func (m *mockCacheManager[V]) Invalidate(ctx context.Context, keys ...string) int {
	return m.Called(ctx, keys).Int(0)
}

func (m *mockCacheManager[V]) Flush(ctx context.Context) {
	m.Called(ctx)
}

func loadExample(_ context.Context, id int) (*ExampleStruct, error) {
	return &ExampleStruct{ID: id}, nil
}

func TestReadThrough_Bypass(t *testing.T) {
	cache := newMockCacheManager[*ExampleStruct](t)
	rt := NewReadThrough(cache, loadExample, WithBypass(true))

	v, err := rt.Get(context.Background(), "key", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, &ExampleStruct{ID: 1}, v)
}

func TestReadThrough_Hit(t *testing.T) {
	cache := newMockCacheManager[*ExampleStruct](t)
	cache.On("Get", mock.Anything, "key").Return(&ExampleStruct{ID: 1, Name: "cached"}, true)

	rt := NewReadThrough(cache, loadExample)
	v, err := rt.Get(context.Background(), "key", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "cached", v.Name)
}

func TestReadThrough_MissLoadsAndStores(t *testing.T) {
	cache := newMockCacheManager[*ExampleStruct](t)
	cache.On("Get", mock.Anything, "key").Return((*ExampleStruct)(nil), false)
	cache.On("Set", mock.Anything, "key", &ExampleStruct{ID: 1}, time.Minute).Return()

	rt := NewReadThrough(cache, loadExample)
	v, err := rt.Get(context.Background(), "key", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, v.ID)
}

func TestReadThrough_LoaderErrorIsNotCached(t *testing.T) {
	cache := newMockCacheManager[*ExampleStruct](t)
	cache.On("Get", mock.Anything, "key").Return((*ExampleStruct)(nil), false)

	rt := NewReadThrough(cache, func(context.Context, int) (*ExampleStruct, error) {
		return nil, errors.New("backend down")
	})

	_, err := rt.Get(context.Background(), "key", 1, time.Minute)
	require.ErrorContains(t, err, "backend down")
	cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThrough_RefreshOnHit(t *testing.T) {
	cache := newMockCacheManager[*ExampleStruct](t)
	cache.On("GetWithRefresh", mock.Anything, "key", time.Minute).Return(&ExampleStruct{ID: 2}, true)

	rt := NewReadThrough(cache, loadExample, WithRefreshOnHit())
	v, err := rt.Get(context.Background(), "key", 2, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, v.ID)
}

func TestReadThrough_LoaderPanic(t *testing.T) {
	rt := NewReadThrough(newTestCache[*ExampleStruct](newClock()), func(context.Context, int) (*ExampleStruct, error) {
		panic("nil map")
	})

	_, err := rt.Get(context.Background(), "key", 1, time.Minute)
	require.ErrorContains(t, err, "nil map")
}

func TestReadThrough_WithRealCache(t *testing.T) {
	clock := newClock()
	cache := newTestCache[*ExampleStruct](clock)
	calls := 0
	rt := NewReadThrough(cache, func(ctx context.Context, id int) (*ExampleStruct, error) {
		calls++
		return loadExample(ctx, id)
	})

	for range 3 {
		_, err := rt.Get(context.Background(), "key", 7, time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 1, calls)

	clock.Advance(2 * time.Minute)
	_, err := rt.Get(context.Background(), "key", 7, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "expired entries are reloaded")
}

func TestReadThrough_ConcurrentMissesShareOneLoad(t *testing.T) {
	cache := newTestCache[*ExampleStruct](newClock())
	var calls atomic.Int32
	release := make(chan struct{})
	rt := NewReadThrough(cache, func(ctx context.Context, id int) (*ExampleStruct, error) {
		calls.Add(1)
		<-release
		return loadExample(ctx, id)
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*ExampleStruct, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = rt.Get(context.Background(), "key", 3, time.Minute)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Same(t, results[0], r)
	}
}

func TestReadThrough_WaiterHonoursContext(t *testing.T) {
	cache := newTestCache[*ExampleStruct](newClock())
	release := make(chan struct{})
	started := make(chan struct{})
	rt := NewReadThrough(cache, func(ctx context.Context, id int) (*ExampleStruct, error) {
		close(started)
		<-release
		return loadExample(ctx, id)
	})

	go func() { _, _ = rt.Get(context.Background(), "key", 1, time.Minute) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Get(ctx, "key", 1, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}
