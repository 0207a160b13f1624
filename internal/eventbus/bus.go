package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
	"github.com/AEtherlight-ai/lumina-sub000/internal/pubsub"
	"github.com/AEtherlight-ai/lumina-sub000/internal/tracing"
)

// DefaultHistoryCapacity is the number of events kept for History and Replay.
const DefaultHistoryCapacity = 1000

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = errors.New("eventbus: closed")

type subscription struct {
	id       uint64
	name     string
	pattern  pattern
	priority Priority
	handler  Handler
}

// Bus delivers events to subscribers and keeps a bounded history.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	nextSub uint64
	nextID  uint64
	history *history
	closed  bool

	stream  *pubsub.Broker[Event]
	logger  log.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type busConfig struct {
	capacity       int
	retainCritical bool
	logger         log.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	now            func() time.Time
}

// Option configures a Bus.
type Option func(*busConfig)

// WithHistoryCapacity bounds the history. Zero disables it.
func WithHistoryCapacity(n int) Option {
	return func(c *busConfig) { c.capacity = max(n, 0) }
}

// WithCriticalRetention evicts non-critical events first when the history
// is full.
func WithCriticalRetention() Option {
	return func(c *busConfig) { c.retainCritical = true }
}

func WithLogger(l log.Logger) Option {
	return func(c *busConfig) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *busConfig) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *busConfig) { c.tracer = t }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *busConfig) { c.now = now }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	cfg := busConfig{
		capacity: DefaultHistoryCapacity,
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{
		history: newHistory(cfg.capacity, cfg.retainCritical),
		stream:  pubsub.NewBrokerWithBuffer[Event](256),
		logger:  cfg.logger,
		metrics: cfg.metrics,
		tracer:  tracing.TracerOrNoop(cfg.tracer),
		now:     cfg.now,
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithName labels the subscriber in logs and failure reports.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// WithSubscriberPriority records the subscriber's priority. Delivery is
// concurrent, so it is informational.
func WithSubscriberPriority(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// Subscribe registers h for every event whose type matches pattern.
func (b *Bus) Subscribe(patternStr string, h Handler, opts ...SubscribeOption) (Unsubscribe, error) {
	if h == nil {
		return nil, fmt.Errorf("eventbus: subscribe %q: nil handler", patternStr)
	}
	p, err := parsePattern(patternStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, patternStr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextSub++
	sub := &subscription{
		id:       b.nextSub,
		pattern:  p,
		priority: PriorityNormal,
		handler:  h,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("subscriber-%d", sub.id)
	}
	b.subs = append(b.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}, nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == id })
}

// PublishOption configures a single publish.
type PublishOption func(*Event)

// WithPriority sets the event priority. The default is PriorityNormal.
func WithPriority(p Priority) PublishOption {
	return func(e *Event) { e.Priority = p }
}

// Publish records the event in history and delivers it to every matching
// subscriber concurrently. It returns once all handlers have finished.
// Handler failures are reported in the result and never abort delivery.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) Result {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Log(log.LevelDebug, log.CatEvents, "publish on closed bus", "type", eventType)
		return Result{Event: Event{Type: eventType, Payload: payload}, Closed: true}
	}
	b.nextID++
	ev := Event{
		ID:        b.nextID,
		Type:      eventType,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: b.now(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	b.history.add(ev)
	size := b.history.len()
	subs := b.matchingLocked(ev.Type)
	b.mu.Unlock()

	b.metrics.EventPublished(ev.Type, ev.Priority.String())
	b.metrics.HistorySize(size)

	ctx, span := b.tracer.Start(ctx, tracing.SpanPublish, trace.WithAttributes(
		attribute.Int64(tracing.AttrEventID, int64(ev.ID)),
		attribute.String(tracing.AttrEventType, ev.Type),
		attribute.String(tracing.AttrEventPriority, ev.Priority.String()),
		attribute.Int(tracing.AttrSubscribers, len(subs)),
	))
	defer span.End()

	res := b.deliver(ctx, ev, subs)
	span.SetAttributes(attribute.Int(tracing.AttrFailures, len(res.Failures)))
	if err := res.Err(); err != nil {
		tracing.RecordError(span, err)
	}

	b.stream.Publish(pubsub.PublishedEvent, ev)
	return res
}

func (b *Bus) matchingLocked(eventType string) []*subscription {
	var out []*subscription
	for _, s := range b.subs {
		if s.pattern.matches(eventType) {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) deliver(ctx context.Context, ev Event, subs []*subscription) Result {
	res := Result{Event: ev, Delivered: len(subs)}
	if len(subs) == 0 {
		return res
	}

	errs := make([]error, len(subs))
	p := pool.New()
	for i, s := range subs {
		p.Go(func() {
			errs[i] = invoke(ctx, s, ev)
		})
	}
	p.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		s := subs[i]
		res.Failures = append(res.Failures, HandlerFailure{
			SubscriptionID: s.id,
			Subscriber:     s.name,
			Pattern:        s.pattern.raw,
			Err:            err,
		})
		b.metrics.HandlerFailed(ev.Type)
		log.Err(b.logger, log.CatEvents, "event handler failed", err,
			"type", ev.Type, "id", ev.ID, "subscriber", s.name)
	}
	return res
}

// invoke runs one handler and turns a panic into an error.
func invoke(ctx context.Context, s *subscription, ev Event) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = s.handler(ctx, ev) })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("handler panicked: %w", r.AsError())
	}
	return err
}

// History returns recorded events matching f in chronological order.
func (b *Bus) History(f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.query(f)
}

// Replay delivers the recorded events matching f to the current
// subscribers again. Replayed events keep their ids and are not added to
// history a second time.
func (b *Bus) Replay(ctx context.Context, f Filter) []Result {
	events := b.History(f)

	ctx, span := b.tracer.Start(ctx, tracing.SpanReplay, trace.WithAttributes(
		attribute.Int("events.replayed", len(events)),
	))
	defer span.End()

	results := make([]Result, 0, len(events))
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		b.mu.RLock()
		closed := b.closed
		subs := b.matchingLocked(ev.Type)
		b.mu.RUnlock()
		if closed {
			break
		}
		results = append(results, b.deliver(ctx, ev, subs))
		b.stream.Publish(pubsub.ReplayedEvent, ev)
	}
	return results
}

// ClearHistory drops every recorded event.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.events = b.history.events[:0]
	b.metrics.HistorySize(0)
}

// Stream returns a non-blocking feed of published and replayed events for
// observers. Slow readers miss events rather than slowing publishers.
func (b *Bus) Stream(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.stream.Subscribe(ctx)
}

// SubscriberCount returns the number of subscriptions matching eventType,
// or all subscriptions when eventType is empty.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if eventType == "" {
		return len(b.subs)
	}
	return len(b.matchingLocked(eventType))
}

// Close drops all subscriptions and stops the stream. Later publishes are
// no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
	b.stream.Close()
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Dispose closes the bus.
func (b *Bus) Dispose(context.Context) error {
	b.Close()
	return nil
}
