// Package app is the composition root. It declares the runtime settings,
// registers every component with a service registry and owns startup and
// shutdown ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/AEtherlight-ai/lumina-sub000/internal/alert"
	"github.com/AEtherlight-ai/lumina-sub000/internal/cachemanager"
	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/errorhandler"
	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
	"github.com/AEtherlight-ai/lumina-sub000/internal/flags"
	"github.com/AEtherlight-ai/lumina-sub000/internal/health"
	"github.com/AEtherlight-ai/lumina-sub000/internal/infrastructure/sqlite"
	"github.com/AEtherlight-ai/lumina-sub000/internal/infrastructure/yamlfile"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
	"github.com/AEtherlight-ai/lumina-sub000/internal/paths"
	"github.com/AEtherlight-ai/lumina-sub000/internal/registry"
	"github.com/AEtherlight-ai/lumina-sub000/internal/tracing"
)

// Registry names of the built-in components.
const (
	ServiceMetrics     = "metrics"
	ServiceWorkspaceDB = "workspace_db"
	ServiceConfig      = "config"
	ServiceTracing     = "tracing"
	ServiceEvents      = "events"
	ServiceCache       = "cache"
	ServiceErrors      = "errors"
	ServiceAlerts      = "alerts"
	ServiceHealth      = "health"
	ServiceReloader    = "config_reloader"
	ServiceRelay       = "config_relay"
)

// DefaultEnvPrefix maps cache.max_size to LUMINA_CACHE_MAX_SIZE.
const DefaultEnvPrefix = "LUMINA"

// WorkspaceScope is the settings table scope of the workspace layer.
const WorkspaceScope = "workspace"

var (
	ErrAlreadyStarted = errors.New("app: runtime already started")
	ErrShutDown       = errors.New("app: runtime shut down")
)

// Options configures a Runtime. The zero value runs fully in memory.
type Options struct {
	// WorkspaceDir is the resolved settings directory (see paths). Empty
	// keeps the workspace layer in memory.
	WorkspaceDir string
	// UserSettingsPath is the user layer YAML file. Empty keeps the user
	// layer in memory.
	UserSettingsPath string
	// EnvPrefix defaults to DefaultEnvPrefix.
	EnvPrefix string
	// Overrides are raw runtime-layer values, e.g. from --set flags.
	Overrides map[string]string
	// Notifier receives operator alerts in addition to the log.
	Notifier alert.Notifier
	Logger   log.Logger
	Metrics  *metrics.Metrics
	// ReloadDebounce overrides the settings file watcher debounce.
	ReloadDebounce time.Duration
}

// Runtime is a composed middleware instance.
type Runtime struct {
	registry *registry.Registry
	logger   log.Logger
	metrics  *metrics.Metrics

	config   *config.Manager
	events   *eventbus.Bus
	cache    *cachemanager.Manager[any]
	errors   *errorhandler.Handler
	health   *health.Monitor
	reloader *configReloader
	relay    *changeRelay

	mu           sync.Mutex
	started      bool
	stopped      bool
	unsubscribe  eventbus.Unsubscribe
	shutdownOnce sync.Once
	shutdownErr  error
}

// New registers every component, validates the graph and resolves the
// core services. On failure everything already created is disposed.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultEnvPrefix
	}

	reg := registry.New(registry.WithLogger(opts.Logger))
	if err := registerComponents(reg, opts); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid service graph: %w", err)
	}

	rt := &Runtime{registry: reg, logger: opts.Logger, metrics: opts.Metrics}
	if err := rt.resolve(ctx); err != nil {
		return nil, errors.Join(err, reg.Dispose(ctx))
	}
	if err := rt.wire(); err != nil {
		return nil, errors.Join(err, reg.Dispose(ctx))
	}
	return rt, nil
}

func registerComponents(reg *registry.Registry, opts Options) error {
	var errs []error
	add := func(name string, f registry.Factory, deps ...string) {
		errs = append(errs, reg.Register(name, f, deps...))
	}

	errs = append(errs, reg.RegisterValue(ServiceMetrics, opts.Metrics))

	configDeps := []string{ServiceMetrics}
	if opts.WorkspaceDir != "" {
		add(ServiceWorkspaceDB, func(context.Context, registry.Deps) (any, error) {
			return sqlite.NewDB(paths.WorkspaceDB(opts.WorkspaceDir))
		})
		configDeps = append(configDeps, ServiceWorkspaceDB)
	}

	add(ServiceConfig, func(ctx context.Context, deps registry.Deps) (any, error) {
		copts := []config.Option{
			config.WithEnvPrefix(opts.EnvPrefix),
			config.WithLogger(opts.Logger),
			config.WithMetrics(opts.Metrics),
		}
		if opts.UserSettingsPath != "" {
			copts = append(copts, config.WithStore(config.LayerUser, yamlfile.New(opts.UserSettingsPath)))
		}
		if db, err := registry.Dep[*sqlite.DB](deps, ServiceWorkspaceDB); err == nil {
			copts = append(copts, config.WithStore(config.LayerWorkspace, db.SettingsStore(WorkspaceScope)))
		}

		m := config.NewManager(copts...)
		if err := DeclareSettings(m); err != nil {
			return nil, err
		}
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		if err := applyOverrides(m, opts.Overrides); err != nil {
			return nil, err
		}
		return m, nil
	}, configDeps...)

	add(ServiceTracing, func(_ context.Context, deps registry.Deps) (any, error) {
		s, err := settingsFrom(deps)
		if err != nil {
			return nil, err
		}
		tc := s.Tracing
		if tc.Exporter == "file" && tc.FilePath == "" {
			if opts.WorkspaceDir == "" {
				tc.Exporter = "none"
			} else {
				tc.FilePath = filepath.Join(opts.WorkspaceDir, "traces.jsonl")
			}
		}
		return tracing.NewProvider(tc)
	}, ServiceConfig)

	add(ServiceEvents, func(_ context.Context, deps registry.Deps) (any, error) {
		s, err := settingsFrom(deps)
		if err != nil {
			return nil, err
		}
		tp, err := registry.Dep[*tracing.Provider](deps, ServiceTracing)
		if err != nil {
			return nil, err
		}
		bopts := []eventbus.Option{
			eventbus.WithHistoryCapacity(s.Events.HistoryCapacity),
			eventbus.WithLogger(opts.Logger),
			eventbus.WithMetrics(opts.Metrics),
			eventbus.WithTracer(tp.Tracer()),
		}
		if s.Events.RetainCritical {
			bopts = append(bopts, eventbus.WithCriticalRetention())
		}
		return eventbus.New(bopts...), nil
	}, ServiceConfig, ServiceTracing)

	add(ServiceCache, func(_ context.Context, deps registry.Deps) (any, error) {
		s, err := settingsFrom(deps)
		if err != nil {
			return nil, err
		}
		return cachemanager.New[any]("shared",
			cachemanager.WithMaxSize(s.Cache.MaxSize),
			cachemanager.WithCleanupInterval(time.Duration(s.Cache.CleanupIntervalSeconds)*time.Second),
			cachemanager.WithMetrics(opts.Metrics),
			cachemanager.WithLogger(opts.Logger),
		), nil
	}, ServiceConfig)

	add(ServiceErrors, func(_ context.Context, deps registry.Deps) (any, error) {
		s, err := settingsFrom(deps)
		if err != nil {
			return nil, err
		}
		bus, err := registry.Dep[*eventbus.Bus](deps, ServiceEvents)
		if err != nil {
			return nil, err
		}
		tp, err := registry.Dep[*tracing.Provider](deps, ServiceTracing)
		if err != nil {
			return nil, err
		}
		return errorhandler.New(
			errorhandler.WithDefaults(errorhandler.Defaults{
				MaxRetries: s.Errors.MaxRetries,
				BaseDelay:  time.Duration(s.Errors.BaseDelayMS) * time.Millisecond,
				MaxDelay:   time.Duration(s.Errors.MaxDelayMS) * time.Millisecond,
				Deadline:   time.Duration(s.Errors.DeadlineMS) * time.Millisecond,
			}),
			errorhandler.WithBus(bus),
			errorhandler.WithLogger(opts.Logger),
			errorhandler.WithMetrics(opts.Metrics),
			errorhandler.WithTracer(tp.Tracer()),
		), nil
	}, ServiceConfig, ServiceEvents, ServiceTracing)

	add(ServiceAlerts, func(_ context.Context, deps registry.Deps) (any, error) {
		s, err := settingsFrom(deps)
		if err != nil {
			return nil, err
		}
		var next alert.Notifier = alert.LogNotifier{Logger: opts.Logger}
		if opts.Notifier != nil {
			next = alert.Multi(next, opts.Notifier)
		}
		return alert.NewThrottled(next, s.Alerts.PerMinute, alert.WithThrottleLogger(opts.Logger)), nil
	}, ServiceConfig)

	add(ServiceHealth, func(_ context.Context, deps registry.Deps) (any, error) {
		s, err := settingsFrom(deps)
		if err != nil {
			return nil, err
		}
		bus, err := registry.Dep[*eventbus.Bus](deps, ServiceEvents)
		if err != nil {
			return nil, err
		}
		handler, err := registry.Dep[*errorhandler.Handler](deps, ServiceErrors)
		if err != nil {
			return nil, err
		}
		notifier, err := registry.Dep[*alert.Throttled](deps, ServiceAlerts)
		if err != nil {
			return nil, err
		}
		tp, err := registry.Dep[*tracing.Provider](deps, ServiceTracing)
		if err != nil {
			return nil, err
		}
		return health.NewMonitor(health.Config{
			Interval:           time.Duration(s.Health.IntervalSeconds) * time.Second,
			CheckTimeout:       time.Duration(s.Health.CheckTimeoutSeconds) * time.Second,
			MaxAttempts:        s.Health.MaxAttempts,
			DisableAutoRestart: !flags.New(s.Flags).Enabled(flags.FlagAutoRestart),
			Bus:                bus,
			Notifier:           notifier,
			Classifier:         handler.Classifier(),
			Logger:             opts.Logger,
			Metrics:            opts.Metrics,
			Tracer:             tp.Tracer(),
		}), nil
	}, ServiceConfig, ServiceEvents, ServiceErrors, ServiceAlerts, ServiceTracing)

	add(ServiceReloader, func(_ context.Context, deps registry.Deps) (any, error) {
		m, err := registry.Dep[*config.Manager](deps, ServiceConfig)
		if err != nil {
			return nil, err
		}
		handler, err := registry.Dep[*errorhandler.Handler](deps, ServiceErrors)
		if err != nil {
			return nil, err
		}
		r := &configReloader{cfg: m, errors: handler, logger: opts.Logger, debounce: opts.ReloadDebounce}
		if flags.FromSettings(m.Snapshot()).Enabled(flags.FlagConfigWatch) {
			r.path = opts.UserSettingsPath
		}
		return r, nil
	}, ServiceConfig, ServiceErrors)

	add(ServiceRelay, func(_ context.Context, deps registry.Deps) (any, error) {
		m, err := registry.Dep[*config.Manager](deps, ServiceConfig)
		if err != nil {
			return nil, err
		}
		bus, err := registry.Dep[*eventbus.Bus](deps, ServiceEvents)
		if err != nil {
			return nil, err
		}
		r := newChangeRelay(bus)
		m.OnChange(r.enqueue)
		return r, nil
	}, ServiceConfig, ServiceEvents)

	return errors.Join(errs...)
}

func settingsFrom(deps registry.Deps) (Settings, error) {
	m, err := registry.Dep[*config.Manager](deps, ServiceConfig)
	if err != nil {
		return Settings{}, err
	}
	return LoadSettings(m)
}

func applyOverrides(m *config.Manager, overrides map[string]string) error {
	var errs []error
	for key, raw := range overrides {
		v, err := m.Coerce(key, raw)
		if err == nil {
			err = m.Set(key, v)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) resolve(ctx context.Context) error {
	var err error
	if rt.config, err = registry.Get[*config.Manager](ctx, rt.registry, ServiceConfig); err != nil {
		return err
	}
	if rt.events, err = registry.Get[*eventbus.Bus](ctx, rt.registry, ServiceEvents); err != nil {
		return err
	}
	if rt.cache, err = registry.Get[*cachemanager.Manager[any]](ctx, rt.registry, ServiceCache); err != nil {
		return err
	}
	if rt.errors, err = registry.Get[*errorhandler.Handler](ctx, rt.registry, ServiceErrors); err != nil {
		return err
	}
	if rt.health, err = registry.Get[*health.Monitor](ctx, rt.registry, ServiceHealth); err != nil {
		return err
	}
	if rt.reloader, err = registry.Get[*configReloader](ctx, rt.registry, ServiceReloader); err != nil {
		return err
	}
	if rt.relay, err = registry.Get[*changeRelay](ctx, rt.registry, ServiceRelay); err != nil {
		return err
	}
	return nil
}

// wire connects components through the event bus and registers the
// built-in health checks.
func (rt *Runtime) wire() error {
	unsub, err := rt.events.Subscribe(eventbus.TypeConfigChanged, func(_ context.Context, ev eventbus.Event) error {
		c, ok := ev.Payload.(config.Change)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		rt.applyChange(c)
		return nil
	}, eventbus.WithName("runtime"))
	if err != nil {
		return err
	}
	rt.unsubscribe = unsub

	rt.applyLogLevel(rt.config.GetString("log.level"))

	errs := []error{
		rt.health.Register(ServiceConfig, configCheck(rt.config)),
		rt.health.Register(ServiceEvents, busCheck(rt.events)),
		rt.health.Register(ServiceCache, cacheCheck(rt.cache)),
	}
	if rt.registry.Has(ServiceWorkspaceDB) {
		db, err := registry.Get[*sqlite.DB](context.Background(), rt.registry, ServiceWorkspaceDB)
		if err != nil {
			return err
		}
		errs = append(errs, rt.health.Register(ServiceWorkspaceDB, databaseCheck(db)))
	}
	return errors.Join(errs...)
}

func (rt *Runtime) applyChange(c config.Change) {
	switch c.Key {
	case "log.level":
		rt.applyLogLevel(fmt.Sprint(c.New))
	case flags.Key(flags.FlagAutoRestart):
		rt.health.SetAutoRestart(flags.FromSettings(map[string]any{c.Key: c.New}).Enabled(flags.FlagAutoRestart))
	}
	if !liveKeys[c.Key] {
		rt.logger.Log(log.LevelInfo, log.CatApp, "setting changed, takes effect after restart",
			"key", c.Key, "value", c.New, "source", c.Source)
	}
}

type levelSetter interface {
	SetMinLevel(log.Level)
}

func (rt *Runtime) applyLogLevel(name string) {
	level, err := log.ParseLevel(name)
	if err != nil {
		return
	}
	switch l := rt.logger.(type) {
	case levelSetter:
		l.SetMinLevel(level)
	default:
		if rt.logger == log.Default() {
			log.SetMinLevel(level)
		}
	}
}

// Registry exposes the service registry so hosts can add their own
// services next to the built-in ones.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

func (rt *Runtime) Config() *config.Manager { return rt.config }
func (rt *Runtime) Events() *eventbus.Bus { return rt.events }
func (rt *Runtime) Cache() *cachemanager.Manager[any] { return rt.cache }
func (rt *Runtime) Errors() *errorhandler.Handler { return rt.errors }
func (rt *Runtime) Health() *health.Monitor { return rt.health }
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }

// Start begins health supervision and settings file watching.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return ErrShutDown
	}
	if rt.started {
		return ErrAlreadyStarted
	}

	if err := rt.health.Start(ctx); err != nil {
		return err
	}
	if err := rt.reloader.Start(ctx); err != nil {
		rt.health.Stop()
		return err
	}
	rt.started = true

	rt.events.Publish(ctx, eventbus.TypeRuntimeStarted, rt.registry.Names())
	rt.logger.Log(log.LevelInfo, log.CatApp, "runtime started", "services", len(rt.registry.Names()))
	return nil
}

// Shutdown disposes every created service in reverse creation order. Only
// the first call does any work; later calls return the same result.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		rt.mu.Lock()
		rt.stopped = true
		rt.mu.Unlock()

		rt.events.Publish(ctx, eventbus.TypeRuntimeStopping, nil, eventbus.WithPriority(eventbus.PriorityHigh))
		rt.unsubscribe()
		rt.shutdownErr = rt.registry.Dispose(ctx)
		if rt.shutdownErr != nil {
			log.Err(rt.logger, log.CatApp, "runtime shutdown finished with errors", rt.shutdownErr)
			return
		}
		rt.logger.Log(log.LevelInfo, log.CatApp, "runtime stopped")
	})
	return rt.shutdownErr
}
