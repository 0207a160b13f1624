package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
	"github.com/AEtherlight-ai/lumina-sub000/internal/pubsub"
)

func newTestBus(opts ...Option) *Bus {
	return New(append([]Option{WithLogger(log.Nop())}, opts...)...)
}

func TestPublish_DeliversToMatchingSubscribers(t *testing.T) {
	bus := newTestBus()

	var got []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(_ context.Context, ev Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+ev.Type)
			return nil
		}
	}

	_, err := bus.Subscribe("config.changed", record("exact"))
	require.NoError(t, err)
	_, err = bus.Subscribe("service.*", record("single"))
	require.NoError(t, err)
	_, err = bus.Subscribe("service.**", record("multi"))
	require.NoError(t, err)

	res := bus.Publish(context.Background(), "config.changed", nil)
	require.Equal(t, 1, res.Delivered)
	require.Empty(t, res.Failures)

	res = bus.Publish(context.Background(), "service.health.changed", nil)
	require.Equal(t, 1, res.Delivered)

	res = bus.Publish(context.Background(), "service.failed", nil)
	require.Equal(t, 2, res.Delivered)

	require.ElementsMatch(t, []string{
		"exact:config.changed",
		"multi:service.health.changed",
		"single:service.failed",
		"multi:service.failed",
	}, got)
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := newTestBus()

	res := bus.Publish(context.Background(), "nobody.listens", 42)
	require.Zero(t, res.Delivered)
	require.NoError(t, res.Err())
	require.Equal(t, 42, res.Event.Payload)
	require.Len(t, bus.History(Filter{}), 1)
}

func TestPublish_AssignsIncreasingIDs(t *testing.T) {
	bus := newTestBus()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), "tick", nil)
		}()
	}
	wg.Wait()

	events := bus.History(Filter{})
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID)
		require.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestPublish_DefaultPriorityIsNormal(t *testing.T) {
	bus := newTestBus()

	res := bus.Publish(context.Background(), "a", nil)
	require.Equal(t, PriorityNormal, res.Event.Priority)

	res = bus.Publish(context.Background(), "b", nil, WithPriority(PriorityCritical))
	require.Equal(t, PriorityCritical, res.Event.Priority)
}

func TestPublish_HandlerFailuresAreIsolated(t *testing.T) {
	bus := newTestBus()
	boom := errors.New("boom")

	var ran atomic.Int32
	_, err := bus.Subscribe("job.done", func(context.Context, Event) error {
		ran.Add(1)
		return boom
	}, WithName("failing"))
	require.NoError(t, err)
	_, err = bus.Subscribe("job.done", func(context.Context, Event) error {
		ran.Add(1)
		panic("kaboom")
	}, WithName("panicking"))
	require.NoError(t, err)
	_, err = bus.Subscribe("job.done", func(context.Context, Event) error {
		ran.Add(1)
		return nil
	}, WithName("healthy"))
	require.NoError(t, err)

	res := bus.Publish(context.Background(), "job.done", nil)

	require.Equal(t, int32(3), ran.Load())
	require.Equal(t, 3, res.Delivered)
	require.Len(t, res.Failures, 2)
	require.Equal(t, "failing", res.Failures[0].Subscriber)
	require.ErrorIs(t, res.Failures[0].Err, boom)
	require.Equal(t, "panicking", res.Failures[1].Subscriber)
	require.ErrorContains(t, res.Failures[1].Err, "kaboom")
	require.ErrorIs(t, res.Err(), boom)
}

func TestPublish_HandlersRunConcurrently(t *testing.T) {
	bus := newTestBus()

	const n = 4
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	for range n {
		_, err := bus.Subscribe("slow", func(context.Context, Event) error {
			started.Done()
			<-release
			return nil
		})
		require.NoError(t, err)
	}

	done := make(chan Result, 1)
	go func() { done <- bus.Publish(context.Background(), "slow", nil) }()

	// Every handler must be running at once before any is released.
	started.Wait()
	close(release)

	select {
	case res := <-done:
		require.Equal(t, n, res.Delivered)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return")
	}
}

func TestPublish_PassesContext(t *testing.T) {
	bus := newTestBus()
	type key struct{}

	var got any
	_, err := bus.Subscribe("ctx", func(ctx context.Context, _ Event) error {
		got = ctx.Value(key{})
		return nil
	})
	require.NoError(t, err)

	bus.Publish(context.WithValue(context.Background(), key{}, "v"), "ctx", nil)
	require.Equal(t, "v", got)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var calls atomic.Int32
	unsub, err := bus.Subscribe("x", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount("x"))

	bus.Publish(context.Background(), "x", nil)
	unsub()
	unsub()
	bus.Publish(context.Background(), "x", nil)

	require.Equal(t, int32(1), calls.Load())
	require.Zero(t, bus.SubscriberCount(""))
}

func TestSubscribe_Validation(t *testing.T) {
	bus := newTestBus()
	noop := func(context.Context, Event) error { return nil }

	_, err := bus.Subscribe("", noop)
	require.ErrorIs(t, err, ErrInvalidPattern)
	_, err = bus.Subscribe("a..b", noop)
	require.ErrorIs(t, err, ErrInvalidPattern)
	_, err = bus.Subscribe("a.b*", noop)
	require.ErrorIs(t, err, ErrInvalidPattern)
	_, err = bus.Subscribe("a", nil)
	require.Error(t, err)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.**", "a", true},
		{"a.**", "a.b.c", true},
		{"**", "anything.at.all", true},
		{"*.changed", "config.changed", true},
		{"a.**.z", "a.z", true},
		{"a.**.z", "a.b.c.z", true},
		{"a.**.z", "a.b.c", false},
		{"", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"→"+tt.topic, func(t *testing.T) {
			require.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}

func TestHistory_Bounded(t *testing.T) {
	bus := newTestBus(WithHistoryCapacity(3))

	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(context.Background(), typ, nil)
	}

	events := bus.History(Filter{})
	require.Len(t, events, 3)
	require.Equal(t, "c", events[0].Type)
	require.Equal(t, "e", events[2].Type)
}

func TestHistory_CriticalRetention(t *testing.T) {
	bus := newTestBus(WithHistoryCapacity(3), WithCriticalRetention())
	ctx := context.Background()

	bus.Publish(ctx, "crit", nil, WithPriority(PriorityCritical))
	bus.Publish(ctx, "n1", nil)
	bus.Publish(ctx, "n2", nil)
	bus.Publish(ctx, "n3", nil)

	var types []string
	for _, ev := range bus.History(Filter{}) {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"crit", "n2", "n3"}, types)
}

func TestHistory_Filter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	bus := newTestBus(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	bus.Publish(ctx, "service.restarted", nil)
	clock = now.Add(time.Minute)
	bus.Publish(ctx, "service.failed", nil, WithPriority(PriorityCritical))
	clock = now.Add(2 * time.Minute)
	bus.Publish(ctx, "config.changed", nil, WithPriority(PriorityLow))

	require.Len(t, bus.History(Filter{Pattern: "service.*"}), 2)
	require.Len(t, bus.History(Filter{MinPriority: PriorityHigh}), 1)
	require.Len(t, bus.History(Filter{Since: now.Add(30 * time.Second)}), 2)

	last := bus.History(Filter{Limit: 1})
	require.Len(t, last, 1)
	require.Equal(t, "config.changed", last[0].Type)

	require.Empty(t, bus.History(Filter{Pattern: "bad..pattern"}))

	bus.ClearHistory()
	require.Empty(t, bus.History(Filter{}))
}

func TestReplay(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	bus.Publish(ctx, "order.created", 1)
	bus.Publish(ctx, "order.created", 2)
	bus.Publish(ctx, "order.cancelled", 3)

	var payloads []any
	var mu sync.Mutex
	_, err := bus.Subscribe("order.created", func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, ev.Payload)
		return nil
	})
	require.NoError(t, err)

	results := bus.Replay(ctx, Filter{Pattern: "order.*"})
	require.Len(t, results, 3)
	require.Equal(t, []any{1, 2}, payloads)
	require.Equal(t, uint64(1), results[0].Event.ID)

	// Replay does not grow history.
	require.Len(t, bus.History(Filter{}), 3)
}

func TestReplay_StopsOnCanceledContext(t *testing.T) {
	bus := newTestBus()
	bus.Publish(context.Background(), "a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Empty(t, bus.Replay(ctx, Filter{}))
}

func TestStream(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Stream(ctx)
	bus.Publish(context.Background(), "observed", "payload")

	select {
	case ev := <-ch:
		require.Equal(t, pubsub.PublishedEvent, ev.Type)
		require.Equal(t, "observed", ev.Payload.Type)
	case <-time.After(time.Second):
		t.Fatal("no stream event")
	}

	bus.Replay(context.Background(), Filter{})
	select {
	case ev := <-ch:
		require.Equal(t, pubsub.ReplayedEvent, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no replay stream event")
	}
}

func TestClose(t *testing.T) {
	bus := newTestBus()

	var calls atomic.Int32
	_, err := bus.Subscribe("x", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Dispose(context.Background()))
	bus.Close()

	res := bus.Publish(context.Background(), "x", nil)
	require.True(t, res.Closed)
	require.Zero(t, calls.Load())

	_, err = bus.Subscribe("x", func(context.Context, Event) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	bus := newTestBus(WithMetrics(m))

	_, err := bus.Subscribe("m", func(context.Context, Event) error { return errors.New("no") })
	require.NoError(t, err)
	bus.Publish(context.Background(), "m", nil)

	n, err := testutil.GatherAndCount(m.Registry(), "lumina_events_published_total", "lumina_events_handler_failures_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("CRITICAL")
	require.NoError(t, err)
	require.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)
}

func TestHistory_NeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		retain := rapid.Bool().Draw(t, "retain")
		h := newHistory(capacity, retain)

		prios := rapid.SliceOf(rapid.IntRange(0, 3)).Draw(t, "priorities")
		for i, p := range prios {
			h.add(Event{ID: uint64(i + 1), Priority: Priority(p)})
			if h.len() > capacity {
				t.Fatalf("history has %d events, capacity %d", h.len(), capacity)
			}
		}

		events := h.query(Filter{})
		for i := 1; i < len(events); i++ {
			if events[i].ID <= events[i-1].ID {
				t.Fatalf("history out of order at %d", i)
			}
		}
	})
}
