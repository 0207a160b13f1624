package app

import (
	"context"
	"sync"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

// changeRelay publishes config changes as config.changed events from its
// own goroutine, so a config write never waits on bus subscribers.
// Changes are published in the order they were made.
type changeRelay struct {
	bus *eventbus.Bus

	mu        sync.Mutex
	queue     []config.Change
	pending   int
	closed    bool
	wake      chan struct{}
	idle      *sync.Cond
	done      chan struct{}
	closeOnce sync.Once
}

func newChangeRelay(bus *eventbus.Bus) *changeRelay {
	r := &changeRelay{
		bus:  bus,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	r.idle = sync.NewCond(&r.mu)
	log.SafeGo("config-change-relay", r.run)
	return r
}

// enqueue is the config.Manager change hook.
func (r *changeRelay) enqueue(c config.Change) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, c)
	r.pending++
	r.mu.Unlock()
	r.signal()
}

func (r *changeRelay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *changeRelay) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		batch, closed := r.queue, r.closed
		r.queue = nil
		r.mu.Unlock()

		for _, c := range batch {
			r.bus.Publish(context.Background(), eventbus.TypeConfigChanged, c)
		}

		r.mu.Lock()
		r.pending -= len(batch)
		if r.pending == 0 {
			r.idle.Broadcast()
		}
		r.mu.Unlock()

		switch {
		case len(batch) > 0:
		case closed:
			return
		default:
			<-r.wake
		}
	}
}

// wait blocks until every queued change has been published.
func (r *changeRelay) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.pending > 0 {
		r.idle.Wait()
	}
}

// Dispose publishes what is still queued and stops the relay.
func (r *changeRelay) Dispose(context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.signal()
		<-r.done
	})
	return nil
}
