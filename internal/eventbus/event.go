// Package eventbus is the in-process publish/subscribe hub the runtime
// components use to talk to each other. Publishing delivers an event to
// every matching subscriber concurrently and waits for all of them.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders events for history retention and observers. It does not
// change delivery order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown event priority %q", s)
}

// Event is one published occurrence. Payloads are shared between all
// subscribers and must be treated as read-only.
type Event struct {
	ID        uint64
	Type      string
	Payload   any
	Priority  Priority
	Timestamp time.Time
}

// Handler reacts to an event. A returned error or a panic is recorded as a
// failure for that handler only.
type Handler func(ctx context.Context, ev Event) error

// Unsubscribe removes a subscription. Calling it more than once is safe.
type Unsubscribe func()

// HandlerFailure records one handler that failed during delivery.
type HandlerFailure struct {
	SubscriptionID uint64
	Subscriber     string
	Pattern        string
	Err            error
}

// Result reports the outcome of one delivery.
type Result struct {
	Event     Event
	Delivered int
	Failures  []HandlerFailure
	// Closed is set when the bus was closed and nothing was delivered.
	Closed bool
}

// Err joins the handler failures, or returns nil.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.Subscriber, f.Err)
	}
	return errors.Join(errs...)
}

// Standard event types published by the runtime.
const (
	TypeConfigChanged        = "config.changed"
	TypeErrorRetry           = "error.retry"
	TypeErrorHandled         = "error.handled"
	TypeServiceHealthChanged = "service.health.changed"
	TypeServiceRestarted     = "service.restarted"
	TypeServiceFailed        = "service.failed"
	TypeRuntimeStarted       = "runtime.started"
	TypeRuntimeStopping      = "runtime.stopping"
)
