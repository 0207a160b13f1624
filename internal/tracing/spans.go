package tracing

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the runtime components.
const (
	AttrEventID       = "event.id"
	AttrEventType     = "event.type"
	AttrEventPriority = "event.priority"
	AttrSubscribers   = "event.subscribers"
	AttrFailures      = "event.failures"

	AttrOperation     = "op.name"
	AttrAttempt       = "op.attempt"
	AttrErrorCategory = "error.category"
	AttrErrorID       = "error.id"

	AttrServiceName  = "service.name"
	AttrHealthState  = "health.state"
	AttrRestartCount = "health.restart_attempts"

	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanPublish     = "events.publish"
	SpanReplay      = "events.replay"
	SpanHandle      = "errors.handle"
	SpanHealthTick  = "health.tick"
	SpanHealthCheck = "health.check"
	SpanRestart     = "health.restart"
)

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
