package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
	"github.com/AEtherlight-ai/lumina-sub000/internal/tracing"
)

// DefaultMaxDelay caps a single backoff wait.
const DefaultMaxDelay = 30 * time.Second

// Outcome labels used in logs, metrics and error.handled events.
const (
	OutcomeRecovered = "recovered"
	OutcomeFallback  = "fallback"
	OutcomeFailed    = "failed"
)

// Policy controls retries for one operation.
type Policy[T any] struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry; each later wait doubles.
	BaseDelay time.Duration
	// MaxDelay caps one wait. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
	// Deadline bounds the whole operation, measured from the first attempt.
	// No retry starts whose wait would cross it. Zero means no deadline.
	Deadline time.Duration
	// Fallback produces a degraded result once retrying stops.
	Fallback func(ctx context.Context, rec Record) (T, error)
	// Context is attached to every log line and record.
	Context map[string]any
}

// Defaults are the retry settings used when a caller builds its policy
// from the handler.
type Defaults struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Deadline   time.Duration
}

// RetryNotice is the payload of error.retry events.
type RetryNotice struct {
	Record Record
	Delay  time.Duration
}

// HandledNotice is the payload of error.handled events.
type HandledNotice struct {
	Record  Record
	Outcome string
}

// Handler runs operations under a retry policy. A nil *Handler behaves
// like one built with no options.
type Handler struct {
	classifier *Classifier
	defaults   Defaults
	logger     log.Logger
	bus        *eventbus.Bus
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

func WithClassifier(c *Classifier) Option {
	return func(h *Handler) { h.classifier = c }
}

func WithDefaults(d Defaults) Option {
	return func(h *Handler) { h.defaults = d }
}

func WithLogger(l log.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithBus publishes error.retry and error.handled events.
func WithBus(b *eventbus.Bus) Option {
	return func(h *Handler) { h.bus = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

// WithSleeper replaces the backoff wait.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) { h.sleep = sleep }
}

// WithClock replaces the time source used for deadlines and records.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		classifier: defaultClassifier,
		defaults: Defaults{
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   DefaultMaxDelay,
		},
		logger: log.Default(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.classifier == nil {
		h.classifier = defaultClassifier
	}
	h.tracer = tracing.TracerOrNoop(h.tracer)
	return h
}

var nilHandler = New(WithLogger(log.Nop()))

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classifier returns the handler's classifier.
func (h *Handler) Classifier() *Classifier {
	if h == nil {
		return defaultClassifier
	}
	return h.classifier
}

// DefaultPolicy returns a policy filled from the handler's defaults.
func DefaultPolicy[T any](h *Handler) Policy[T] {
	if h == nil {
		h = nilHandler
	}
	return Policy[T]{
		MaxRetries: h.defaults.MaxRetries,
		BaseDelay:  h.defaults.BaseDelay,
		MaxDelay:   h.defaults.MaxDelay,
		Deadline:   h.defaults.Deadline,
	}
}

// Do runs fn under p and returns its final error.
func (h *Handler) Do(ctx context.Context, name string, fn func(context.Context) error, p Policy[struct{}]) error {
	_, err := Handle(ctx, h, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, p)
	return err
}

// Handle runs fn, retrying recoverable failures with exponential backoff.
// Once retrying stops the fallback runs if set; otherwise a *HandledError
// carrying the category, attempt count and cause is returned.
func Handle[T any](ctx context.Context, h *Handler, name string, fn func(context.Context) (T, error), p Policy[T]) (T, error) {
	if h == nil {
		h = nilHandler
	}

	ctx, span := h.tracer.Start(ctx, tracing.SpanHandle, trace.WithAttributes(
		attribute.String(tracing.AttrOperation, name),
	))
	defer span.End()

	bo := newBackOff(p)
	start := h.now()
	id := uuid.NewString()
	var lastCategory Category

	// Attempts and waits run under actx so a slow attempt cannot outlive the
	// deadline. The fallback and notices still use ctx.
	actx := ctx
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int(tracing.AttrAttempt, attempt)))

		v, err := runAttempt(actx, fn)
		if err == nil {
			if attempt > 1 {
				h.logger.Log(log.LevelInfo, log.CatErrors, "operation recovered",
					"id", id, "op", name, "attempts", attempt)
				h.metrics.ErrorHandled(lastCategory.String(), OutcomeRecovered)
			}
			return v, nil
		}

		rec := h.record(id, name, err, attempt, start, p.Context)
		lastCategory = rec.Category
		span.SetAttributes(
			attribute.String(tracing.AttrErrorCategory, rec.Category.String()),
			attribute.String(tracing.AttrErrorID, rec.ID),
		)

		var reason error
		switch {
		case !rec.Recoverable:
			reason = ErrNotRecoverable
		case actx.Err() != nil:
			reason = stopReason(ctx)
		case attempt > p.MaxRetries:
			reason = ErrRetriesExhausted
		}

		if reason == nil {
			delay := bo.NextBackOff()
			if p.Deadline > 0 && h.now().Sub(start)+delay > p.Deadline {
				reason = ErrDeadlineExceeded
			} else {
				h.noteRetry(ctx, rec, delay)
				if serr := h.sleep(actx, delay); serr != nil {
					reason = stopReason(ctx)
				} else {
					continue
				}
			}
		}

		tracing.RecordError(span, err)
		return finish(ctx, h, rec, reason, p)
	}
}

// stopReason tells a caller cancellation apart from the retry deadline
// expiring first.
func stopReason(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCanceled
	}
	return ErrDeadlineExceeded
}

func newBackOff[T any](p Policy[T]) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = max(p.BaseDelay, 0)
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.MaxDelay
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = DefaultMaxDelay
	}
	bo.Reset()
	return bo
}

func runAttempt[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	var pc panics.Catcher
	pc.Try(func() { v, err = fn(ctx) })
	if r := pc.Recovered(); r != nil {
		return v, &PanicError{Value: r.Value, Stack: string(r.Stack)}
	}
	return v, err
}

func (h *Handler) record(id, name string, err error, attempt int, start time.Time, ctxFields map[string]any) Record {
	cat := h.classifier.Classify(err)
	return Record{
		ID:          id,
		Operation:   name,
		Category:    cat,
		Recoverable: h.classifier.Recoverable(cat),
		Cause:       err,
		Attempts:    attempt,
		Context:     ctxFields,
		OccurredAt:  start,
	}
}

func (h *Handler) noteRetry(ctx context.Context, rec Record, delay time.Duration) {
	fields := append([]any{
		"id", rec.ID, "op", rec.Operation, "category", rec.Category,
		"attempt", rec.Attempts, "delay", delay,
	}, contextFields(rec.Context)...)
	log.Err(h.logger, log.CatErrors, "retrying operation", rec.Cause, fields...)
	h.metrics.Retry(rec.Category.String())
	if h.bus != nil {
		h.bus.Publish(ctx, eventbus.TypeErrorRetry, RetryNotice{Record: rec, Delay: delay},
			eventbus.WithPriority(eventbus.PriorityLow))
	}
}

func finish[T any](ctx context.Context, h *Handler, rec Record, reason error, p Policy[T]) (T, error) {
	outcome := OutcomeFailed
	if p.Fallback != nil {
		outcome = OutcomeFallback
	}

	fields := append([]any{
		"id", rec.ID, "op", rec.Operation, "category", rec.Category,
		"attempts", rec.Attempts, "reason", reason, "outcome", outcome,
	}, contextFields(rec.Context)...)
	log.Err(h.logger, log.CatErrors, "operation failed", rec.Cause, fields...)
	h.metrics.ErrorHandled(rec.Category.String(), outcome)

	if h.bus != nil {
		prio := eventbus.PriorityNormal
		if rec.Category == CategoryFatal {
			prio = eventbus.PriorityCritical
		}
		h.bus.Publish(ctx, eventbus.TypeErrorHandled, HandledNotice{Record: rec, Outcome: outcome},
			eventbus.WithPriority(prio))
	}

	handled := &HandledError{Record: rec, Reason: reason}
	if p.Fallback == nil {
		var zero T
		return zero, handled
	}

	v, err := p.Fallback(ctx, rec)
	if err != nil {
		return v, fmt.Errorf("fallback for %s: %w", rec.Operation, errors.Join(err, handled))
	}
	return v, nil
}

func contextFields(m map[string]any) []any {
	fields := make([]any, 0, len(m)*2)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fields = append(fields, k, m[k])
	}
	return fields
}

// Recover runs fn and converts a panic into a *PanicError.
func Recover(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return &PanicError{Value: r.Value, Stack: string(r.Stack)}
	}
	return err
}
