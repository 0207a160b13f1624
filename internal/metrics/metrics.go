// Package metrics exposes Prometheus instrumentation for the runtime
// components. A nil *Metrics is valid and records nothing, so components can
// take one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "lumina"

// Metrics holds every collector the runtime records into.
type Metrics struct {
	registry *prometheus.Registry

	cacheOps  *prometheus.CounterVec
	cacheSize *prometheus.GaugeVec

	eventsPublished *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	historySize     prometheus.Gauge

	errorsHandled *prometheus.CounterVec
	retries       *prometheus.CounterVec

	healthState *prometheus.GaugeVec
	restarts    *prometheus.CounterVec

	configRejected *prometheus.CounterVec
	flushFailures  *prometheus.CounterVec
}

// Option configures New.
type Option func(*options)

type options struct {
	runtimeCollectors bool
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(o *options) { o.runtimeCollectors = true }
}

// New creates a Metrics instance backed by its own Prometheus registry.
func New(opts ...Option) *Metrics {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache lookups and removals by outcome",
		}, []string{"cache", "op"}),
		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		}, []string{"cache"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by type and priority",
		}, []string{"type", "priority"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked",
		}, []string{"type"}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "history_entries",
			Help:      "Events currently held in history",
		}),
		errorsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "handled_total",
			Help:      "Operations that ended in a handled error by category and outcome",
		}, []string{"category", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "retries_total",
			Help:      "Retry attempts by error category",
		}, []string{"category"}),
		healthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "state",
			Help:      "1 for the current health state of each service, 0 otherwise",
		}, []string{"service", "state"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "restarts_total",
			Help:      "Automatic restart attempts by outcome",
		}, []string{"service", "outcome"}),
		configRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "rejected_writes_total",
			Help:      "Configuration writes rejected by schema validation",
		}, []string{"key"}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "flush_failures_total",
			Help:      "Failed writes to a persistent configuration layer",
		}, []string{"layer"}),
	}

	m.registry.MustRegister(
		m.cacheOps, m.cacheSize,
		m.eventsPublished, m.handlerFailures, m.historySize,
		m.errorsHandled, m.retries,
		m.healthState, m.restarts,
		m.configRejected, m.flushFailures,
	)
	if o.runtimeCollectors {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CacheOp counts one cache outcome (hit, miss, eviction, expiration, invalidation).
func (m *Metrics) CacheOp(cache, op string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(cache, op).Inc()
}

// CacheSize records the current entry count of a cache.
func (m *Metrics) CacheSize(cache string, n int) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues(cache).Set(float64(n))
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(eventType, priority string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, priority).Inc()
}

// HandlerFailed counts one failed subscriber invocation.
func (m *Metrics) HandlerFailed(eventType string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(eventType).Inc()
}

// HistorySize records the number of events kept in history.
func (m *Metrics) HistorySize(n int) {
	if m == nil {
		return
	}
	m.historySize.Set(float64(n))
}

// ErrorHandled counts one operation that ended in a handled error.
func (m *Metrics) ErrorHandled(category, outcome string) {
	if m == nil {
		return
	}
	m.errorsHandled.WithLabelValues(category, outcome).Inc()
}

// Retry counts one retry attempt.
func (m *Metrics) Retry(category string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(category).Inc()
}

// HealthState marks state as the current state of service among states.
func (m *Metrics) HealthState(service, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.healthState.WithLabelValues(service, s).Set(v)
	}
}

// ForgetService drops every health series of a removed service.
func (m *Metrics) ForgetService(service string) {
	if m == nil {
		return
	}
	m.healthState.DeletePartialMatch(prometheus.Labels{"service": service})
	m.restarts.DeletePartialMatch(prometheus.Labels{"service": service})
}

// Restart counts one restart attempt.
func (m *Metrics) Restart(service, outcome string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(service, outcome).Inc()
}

// ConfigRejected counts one rejected configuration write.
func (m *Metrics) ConfigRejected(key string) {
	if m == nil {
		return
	}
	m.configRejected.WithLabelValues(key).Inc()
}

// FlushFailed counts one failed persistence flush.
func (m *Metrics) FlushFailed(layer string) {
	if m == nil {
		return
	}
	m.flushFailures.WithLabelValues(layer).Inc()
}
