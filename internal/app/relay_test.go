package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/testutil"
)

func TestChangeRelay_PublishesInOrder(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(log.Nop()))
	rec := testutil.RecordEvents(t, bus, eventbus.TypeConfigChanged)
	r := newChangeRelay(bus)

	for i := range 50 {
		r.enqueue(config.Change{Key: "cache.max_size", New: i})
	}
	r.wait()

	events := rec.Events()
	require.Len(t, events, 50)
	for i, ev := range events {
		require.Equal(t, i, ev.Payload.(config.Change).New)
	}
	require.NoError(t, r.Dispose(context.Background()))
}

func TestChangeRelay_DisposeDrainsQueue(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(log.Nop()))
	release := make(chan struct{})
	unsub, err := bus.Subscribe(eventbus.TypeConfigChanged, func(context.Context, eventbus.Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	defer unsub()
	rec := testutil.RecordEvents(t, bus, eventbus.TypeConfigChanged)

	r := newChangeRelay(bus)
	r.enqueue(config.Change{Key: "a"})
	r.enqueue(config.Change{Key: "b"})
	close(release)

	require.NoError(t, r.Dispose(context.Background()))
	require.Len(t, rec.Events(), 2)

	// Changes after dispose are dropped; a second dispose is a no-op.
	r.enqueue(config.Change{Key: "c"})
	require.NoError(t, r.Dispose(context.Background()))
	require.Len(t, rec.Events(), 2)
}
