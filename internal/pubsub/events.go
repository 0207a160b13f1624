// Package pubsub provides a generic, non-blocking publish/subscribe broker
// used for observer feeds (log tailing, event streams) that must never slow
// down the publisher.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// LoggedEvent carries a formatted log line.
	LoggedEvent EventType = "logged"
	// PublishedEvent carries an event that went through the event bus.
	PublishedEvent EventType = "published"
	// ReplayedEvent carries an event re-delivered from history.
	ReplayedEvent EventType = "replayed"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
