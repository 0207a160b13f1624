package health

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

	"github.com/AEtherlight-ai/lumina-sub000/internal/alert"
	"github.com/AEtherlight-ai/lumina-sub000/internal/errorhandler"
	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
	"github.com/AEtherlight-ai/lumina-sub000/internal/tracing"
)

// Defaults applied to zero Config fields.
const (
	DefaultInterval       = 30 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultRestartTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3
)

var (
	ErrDuplicateService = errors.New("health: service already registered")
	ErrUnknownService   = errors.New("health: service not registered")
	ErrAlreadyRunning   = errors.New("health: monitor already running")
)

// Config configures a Monitor.
type Config struct {
	Interval       time.Duration
	CheckTimeout   time.Duration
	RestartTimeout time.Duration
	MaxAttempts    int
	// DisableAutoRestart only records Unhealthy states.
	DisableAutoRestart bool

	Bus        *eventbus.Bus
	Notifier   alert.Notifier
	Classifier *errorhandler.Classifier
	Logger     log.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Clock      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = DefaultRestartTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Notifier == nil {
		c.Notifier = alert.LogNotifier{Logger: c.Logger}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.Tracer = tracing.TracerOrNoop(c.Tracer)
	return c
}

// StatusChange is the payload of service.health.changed events.
type StatusChange struct {
	Service string
	From    State
	To      State
	Message string
}

// RestartNotice is the payload of service.restarted events.
type RestartNotice struct {
	Service string
	Attempt int
	Err     error
}

// FailureNotice is the payload of service.failed events.
type FailureNotice struct {
	Service  string
	Attempts int
	Message  string
}

type service struct {
	name      string
	checker   Checker
	restarter Restarter
	deps      []string
	status    Status
	resets    uint64
}

// RegisterOption configures a monitored service.
type RegisterOption func(*service)

// WithDependencies declares services this one depends on.
func WithDependencies(names ...string) RegisterOption {
	return func(s *service) { s.deps = append(s.deps, names...) }
}

// WithRestarter sets the restart hook. Without it the checker itself is
// used when it implements Restarter.
func WithRestarter(r Restarter) RegisterOption {
	return func(s *service) { s.restarter = r }
}

// Monitor supervises registered services.
type Monitor struct {
	cfg Config

	mu       sync.RWMutex
	services map[string]*service
	order    []string

	tickMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. It does nothing until Start or Tick.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:      cfg.withDefaults(),
		services: make(map[string]*service),
	}
}

// SetAutoRestart switches automatic restarts on or off from the next tick.
func (m *Monitor) SetAutoRestart(enabled bool) {
	m.mu.Lock()
	m.cfg.DisableAutoRestart = !enabled
	m.mu.Unlock()
	m.cfg.Logger.Log(log.LevelInfo, log.CatHealth, "auto-restart toggled", "enabled", enabled)
}

// Register adds a service with state Unknown.
func (m *Monitor) Register(name string, checker Checker, opts ...RegisterOption) error {
	if name == "" || checker == nil {
		return fmt.Errorf("health: register %q: name and checker are required", name)
	}

	svc := &service{name: name, checker: checker}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.restarter == nil {
		svc.restarter, _ = SupportsRestart(checker)
	}
	svc.status = Status{
		ServiceName:  name,
		State:        StateUnknown,
		Dependencies: slices.Clone(svc.deps),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	m.services[name] = svc
	m.order = append(m.order, name)
	m.cfg.Metrics.HealthState(name, StateUnknown.String(), StateNames())
	return nil
}

// Remove stops monitoring a service.
func (m *Monitor) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		return false
	}
	delete(m.services, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.cfg.Metrics.ForgetService(name)
	return true
}

// Status returns the current status of one service.
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return Status{}, false
	}
	return copyStatus(svc.status), true
}

// Statuses returns every status in registration order.
func (m *Monitor) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, copyStatus(m.services[name].status))
	}
	return out
}

// AggregateState returns the worst state across all services.
func (m *Monitor) AggregateState() State {
	return Aggregate(m.Statuses())
}

// Reset unpins a service and clears its restart counter so automatic
// restarts can resume.
func (m *Monitor) Reset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	svc.status.Pinned = false
	svc.status.RestartAttempts = 0
	svc.resets++
	m.cfg.Logger.Log(log.LevelInfo, log.CatHealth, "service reset", "service", name)
	return nil
}

func copyStatus(s Status) Status {
	s.Dependencies = slices.Clone(s.Dependencies)
	return s
}

// Start runs a tick immediately and then every Interval until ctx ends or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done

	log.SafeGo("health-monitor", func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	})
	m.cfg.Logger.Log(log.LevelInfo, log.CatHealth, "health monitor started", "interval", m.cfg.Interval)
	return nil
}

// Stop ends the periodic loop and waits for a running tick to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.cfg.Logger.Log(log.LevelInfo, log.CatHealth, "health monitor stopped")
}

// Dispose stops the monitor.
func (m *Monitor) Dispose(context.Context) error {
	m.Stop()
	return nil
}

type checkResult struct {
	svc    *service
	report Report
	err    error
}

type decision struct {
	svc        *service
	resets     uint64
	next       Status
	restart    bool
	depBlocked string
}

// Tick checks every service once. It never returns an error: failing,
// hanging and panicking checks all become StateUnknown. A tick whose ctx
// ends before the checks settle records nothing.
func (m *Monitor) Tick(ctx context.Context) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.RLock()
	svcs := make([]*service, 0, len(m.order))
	for _, name := range m.order {
		svcs = append(svcs, m.services[name])
	}
	m.mu.RUnlock()
	if len(svcs) == 0 {
		return
	}

	ctx, span := m.cfg.Tracer.Start(ctx, tracing.SpanHealthTick,
		trace.WithAttributes(attribute.Int("health.services", len(svcs))))
	defer span.End()

	results := make([]checkResult, len(svcs))
	p := pool.New()
	for i, svc := range svcs {
		p.Go(func() {
			rep, err := m.check(ctx, svc)
			results[i] = checkResult{svc: svc, report: rep, err: err}
		})
	}
	p.Wait()

	// Results gathered while the tick was being cancelled describe the
	// shutdown, not the services.
	if ctx.Err() != nil {
		m.cfg.Logger.Log(log.LevelDebug, log.CatHealth, "tick cancelled, discarding results")
		return
	}

	decisions := m.decide(results)

	rp := pool.New()
	for i := range decisions {
		if decisions[i].restart {
			d := &decisions[i]
			rp.Go(func() { m.restart(ctx, d) })
		}
	}
	rp.Wait()

	for _, d := range decisions {
		m.apply(ctx, d)
	}
}

// check runs one health check under CheckTimeout. A check that ignores its
// context is abandoned when the timeout fires.
func (m *Monitor) check(ctx context.Context, svc *service) (Report, error) {
	ctx, span := m.cfg.Tracer.Start(ctx, tracing.SpanHealthCheck,
		trace.WithAttributes(attribute.String(tracing.AttrServiceName, svc.name)))
	defer span.End()

	rep, err := callWithTimeout(ctx, m.cfg.CheckTimeout, func(ctx context.Context) (Report, error) {
		return svc.checker.HealthCheck(ctx)
	})
	if err != nil {
		tracing.RecordError(span, err)
	}
	span.SetAttributes(attribute.String(tracing.AttrHealthState, rep.State.String()))
	return rep, err
}

func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		var pc panics.Catcher
		pc.Try(func() { r.v, r.err = fn(ctx) })
		if rec := pc.Recovered(); rec != nil {
			r.err = &errorhandler.PanicError{Value: rec.Value, Stack: string(rec.Stack)}
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// decide computes the next status of every service from this tick's
// reports. Dependencies are judged on their freshly reported state.
func (m *Monitor) decide(results []checkResult) []decision {
	now := m.cfg.Clock()

	reported := make(map[string]State, len(results))
	for i := range results {
		r := &results[i]
		if r.err != nil {
			cat := m.cfg.Classifier.Classify(r.err)
			log.Err(m.cfg.Logger, log.CatHealth, "health check failed", r.err,
				"service", r.svc.name, "category", cat)
			r.report = Report{State: StateUnknown, Message: "check failed: " + sanitize(r.err.Error())}
		}
		reported[r.svc.name] = r.report.State
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	decisions := make([]decision, 0, len(results))
	for _, r := range results {
		prev := r.svc.status
		next := prev
		next.LastCheckedAt = now
		next.Message = r.report.Message
		next.Dependencies = mergeDeps(r.svc.deps, r.report.Dependencies)
		d := decision{svc: r.svc, resets: r.svc.resets}

		for _, dep := range next.Dependencies {
			if reported[dep] == StateUnhealthy {
				d.depBlocked = dep
				break
			}
		}

		switch {
		case prev.Pinned:
			next.State = StateUnhealthy
		case d.depBlocked != "":
			next.State = StateDegraded
			next.Message = fmt.Sprintf("dependency %s is unhealthy", d.depBlocked)
		case r.report.State == StateUnhealthy:
			next.State = StateUnhealthy
			d.restart = r.svc.restarter != nil && !m.cfg.DisableAutoRestart
		default:
			next.State = r.report.State
			if next.State == StateHealthy {
				next.RestartAttempts = 0
			}
		}

		d.next = next
		decisions = append(decisions, d)
	}
	return decisions
}

func mergeDeps(declared, reported []string) []string {
	out := slices.Clone(declared)
	for _, dep := range reported {
		if !slices.Contains(out, dep) {
			out = append(out, dep)
		}
	}
	return out
}

// restart makes one attempt and verifies it with an immediate check.
func (m *Monitor) restart(ctx context.Context, d *decision) {
	d.next.RestartAttempts++
	attempt := d.next.RestartAttempts
	name := d.svc.name

	ctx, span := m.cfg.Tracer.Start(ctx, tracing.SpanRestart, trace.WithAttributes(
		attribute.String(tracing.AttrServiceName, name),
		attribute.Int(tracing.AttrRestartCount, attempt),
	))
	defer span.End()

	m.cfg.Logger.Log(log.LevelWarn, log.CatHealth, "restarting service",
		"service", name, "attempt", attempt, "max", m.cfg.MaxAttempts)

	_, err := callWithTimeout(ctx, m.cfg.RestartTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.svc.restarter.Restart(ctx)
	})
	if err == nil {
		var rep Report
		rep, err = m.check(ctx, d.svc)
		if err == nil && rep.State != StateHealthy {
			err = fmt.Errorf("still %s after restart: %s", rep.State, rep.Message)
		}
		if err == nil {
			d.next.State = StateHealthy
			d.next.Message = rep.Message
			d.next.RestartAttempts = 0
		}
	}

	m.publish(ctx, eventbus.TypeServiceRestarted, RestartNotice{Service: name, Attempt: attempt, Err: err},
		eventbus.PriorityHigh)

	if err == nil {
		m.cfg.Metrics.Restart(name, "succeeded")
		m.cfg.Logger.Log(log.LevelInfo, log.CatHealth, "service recovered", "service", name, "attempt", attempt)
		return
	}

	tracing.RecordError(span, err)
	m.cfg.Metrics.Restart(name, "failed")
	log.Err(m.cfg.Logger, log.CatHealth, "restart failed", err, "service", name, "attempt", attempt)

	if attempt >= m.cfg.MaxAttempts {
		d.next.Pinned = true
		d.next.State = StateUnhealthy
		d.next.Message = fmt.Sprintf("automatic restart stopped after %d attempts: %s", attempt, sanitize(err.Error()))
	}
}

// apply stores the decided status and announces transitions.
func (m *Monitor) apply(ctx context.Context, d decision) {
	m.mu.Lock()
	cur, ok := m.services[d.svc.name]
	if !ok || cur != d.svc {
		// Removed during the tick.
		m.mu.Unlock()
		return
	}
	prev := cur.status
	if cur.resets != d.resets {
		// Reset during the tick wins over the tick's restart bookkeeping.
		d.next.Pinned = false
		d.next.RestartAttempts = 0
	}
	cur.status = d.next
	m.mu.Unlock()

	name := d.svc.name
	newlyPinned := d.next.Pinned && !prev.Pinned

	if prev.State != d.next.State {
		m.cfg.Metrics.HealthState(name, d.next.State.String(), StateNames())
		m.cfg.Logger.Log(log.LevelInfo, log.CatHealth, "health changed",
			"service", name, "from", prev.State, "to", d.next.State, "message", d.next.Message)

		prio := eventbus.PriorityNormal
		if d.next.State == StateUnhealthy {
			prio = eventbus.PriorityHigh
		}
		m.publish(ctx, eventbus.TypeServiceHealthChanged, StatusChange{
			Service: name, From: prev.State, To: d.next.State, Message: d.next.Message,
		}, prio)
	}

	if newlyPinned {
		m.publish(ctx, eventbus.TypeServiceFailed, FailureNotice{
			Service: name, Attempts: d.next.RestartAttempts, Message: d.next.Message,
		}, eventbus.PriorityCritical)

		msg := fmt.Sprintf("service %s is unhealthy and automatic restarts stopped after %d attempts",
			name, d.next.RestartAttempts)
		if err := m.cfg.Notifier.NotifyOperator(ctx, msg, alert.SeverityCritical); err != nil {
			log.Err(m.cfg.Logger, log.CatAlert, "operator notification failed", err, "service", name)
		}
	}
}

func (m *Monitor) publish(ctx context.Context, eventType string, payload any, prio eventbus.Priority) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(ctx, eventType, payload, eventbus.WithPriority(prio))
}
