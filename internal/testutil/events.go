package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AEtherlight-ai/lumina-sub000/internal/alert"
	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
)

// EventRecorder captures events delivered to one subscription.
type EventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

// RecordEvents subscribes to pattern for the rest of the test.
func RecordEvents(t *testing.T, bus *eventbus.Bus, pattern string) *EventRecorder {
	t.Helper()
	r := &EventRecorder{}
	unsub, err := bus.Subscribe(pattern, func(_ context.Context, ev eventbus.Event) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	}, eventbus.WithName("recorder"))
	require.NoError(t, err)
	t.Cleanup(unsub)
	return r
}

// Events returns the recorded events in delivery order.
func (r *EventRecorder) Events() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in delivery order.
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

// WaitFor blocks until at least n events were recorded.
func (r *EventRecorder) WaitFor(t *testing.T, n int) []eventbus.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.events) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return r.Events()
}

// Alert is one recorded operator alert.
type Alert struct {
	Message  string
	Severity alert.Severity
}

// Notifier records operator alerts.
type Notifier struct {
	mu     sync.Mutex
	alerts []Alert
}

var _ alert.Notifier = (*Notifier)(nil)

func (n *Notifier) NotifyOperator(_ context.Context, message string, severity alert.Severity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, Alert{Message: message, Severity: severity})
	return nil
}

// Alerts returns the recorded alerts.
func (n *Notifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.alerts)
}
