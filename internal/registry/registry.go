// Package registry is the dependency-injection container that composes the
// runtime. Services are registered as factories with named dependencies and
// created lazily, at most once, on first lookup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

// State is the lifecycle state of a registered service.
type State int

const (
	StateRegistered State = iota
	StateInitializing
	StateReady
	StateErrored
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Factory builds a service from its resolved dependencies.
type Factory func(ctx context.Context, deps Deps) (any, error)

// Disposer is called at shutdown. Services may implement io.Closer instead.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// Deps holds the resolved dependencies handed to a factory.
type Deps struct {
	names  []string
	values map[string]any
}

// Get returns a resolved dependency by name.
func (d Deps) Get(name string) (any, bool) {
	v, ok := d.values[name]
	return v, ok
}

// Names returns the dependency names in declaration order.
func (d Deps) Names() []string { return slices.Clone(d.names) }

// Dep returns a dependency converted to T.
func Dep[T any](d Deps, name string) (T, error) {
	var zero T
	v, ok := d.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s was not declared", ErrUnresolvedDependency, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrTypeMismatch, name, v, zero)
	}
	return t, nil
}

type descriptor struct {
	name     string
	factory  Factory
	deps     []string
	state    State
	instance any
	err      error
}

// Info describes a registered service.
type Info struct {
	Name         string
	Dependencies []string
	State        State
	Err          error
}

// Registry holds service descriptors. Create one per application; there is
// no package-level instance.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]*descriptor
	order       []string
	created     []string
	disposed    bool
	logger      log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		descriptors: make(map[string]*descriptor),
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a factory. Nothing is constructed until Get. Dependencies
// may name services registered later; missing ones fail at resolution.
func (r *Registry) Register(name string, factory Factory, deps ...string) error {
	if name == "" {
		return errors.New("registry: service name is required")
	}
	if factory == nil {
		return fmt.Errorf("registry: %s: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return resolutionErr(name, nil, ErrRegistryDisposed)
	}
	if _, ok := r.descriptors[name]; ok {
		return resolutionErr(name, nil, ErrDuplicateRegistration)
	}

	r.descriptors[name] = &descriptor{
		name:    name,
		factory: factory,
		deps:    slices.Clone(deps),
	}
	r.order = append(r.order, name)
	r.logger.Log(log.LevelDebug, log.CatRegistry, "service registered", "name", name, "deps", deps)
	return nil
}

// RegisterValue records an already constructed service.
func (r *Registry) RegisterValue(name string, value any) error {
	if err := r.Register(name, func(context.Context, Deps) (any, error) { return value, nil }); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.descriptors[name]
	d.state = StateReady
	d.instance = value
	r.created = append(r.created, name)
	return nil
}

// Get returns the service instance, creating it and its dependencies
// depth-first on first use. Factories must not call back into the registry;
// they receive their dependencies through Deps.
func (r *Registry) Get(ctx context.Context, name string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, resolutionErr(name, nil, ErrRegistryDisposed)
	}
	return r.resolve(ctx, name, nil)
}

func (r *Registry) resolve(ctx context.Context, name string, stack []string) (any, error) {
	path := append(slices.Clone(stack), name)

	d, ok := r.descriptors[name]
	if !ok {
		if len(stack) == 0 {
			return nil, resolutionErr(name, path, ErrServiceNotFound)
		}
		return nil, resolutionErr(stack[0], path, fmt.Errorf("%w: %s needs %s", ErrUnresolvedDependency, stack[len(stack)-1], name))
	}

	switch d.state {
	case StateReady:
		return d.instance, nil
	case StateErrored:
		return nil, resolutionErr(name, path, fmt.Errorf("%w: %w", ErrServiceErrored, d.err))
	case StateDisposed:
		return nil, resolutionErr(name, path, ErrRegistryDisposed)
	case StateInitializing:
		i := slices.Index(stack, name)
		return nil, resolutionErr(stack[0], path[i:], ErrCyclicDependency)
	}

	d.state = StateInitializing
	deps := Deps{names: d.deps, values: make(map[string]any, len(d.deps))}
	for _, dep := range d.deps {
		v, err := r.resolve(ctx, dep, path)
		if err != nil {
			d.state = StateRegistered
			return nil, err
		}
		deps.values[dep] = v
	}

	instance, err := callFactory(ctx, d.factory, deps)
	if err != nil {
		d.state = StateErrored
		d.err = err
		log.Err(r.logger, log.CatRegistry, "service factory failed", err, "name", name)
		return nil, resolutionErr(name, path, fmt.Errorf("%w: %w", ErrServiceErrored, err))
	}

	d.state = StateReady
	d.instance = instance
	r.created = append(r.created, name)
	r.logger.Log(log.LevelDebug, log.CatRegistry, "service created", "name", name)
	return instance, nil
}

func callFactory(ctx context.Context, f Factory, deps Deps) (v any, err error) {
	var pc panics.Catcher
	pc.Try(func() { v, err = f(ctx, deps) })
	if rec := pc.Recovered(); rec != nil {
		return nil, rec.AsError()
	}
	return v, err
}

// Get returns the named service converted to T.
func Get[T any](ctx context.Context, r *Registry, name string) (T, error) {
	var zero T
	v, err := r.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, resolutionErr(name, nil, fmt.Errorf("%w: got %T, want %T", ErrTypeMismatch, v, zero))
	}
	return t, nil
}

// MustGet is Get for wiring code where a failure is a programming error.
func MustGet[T any](ctx context.Context, r *Registry, name string) T {
	t, err := Get[T](ctx, r, name)
	if err != nil {
		panic(err)
	}
	return t
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.descriptors[name]
	return ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Describe returns the state of one service.
func (r *Registry) Describe(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: d.name, Dependencies: slices.Clone(d.deps), State: d.state, Err: d.err}, true
}

// Validate checks the whole graph for missing dependencies and cycles
// without constructing anything.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.order {
		for _, dep := range r.descriptors[name].deps {
			if _, ok := r.descriptors[dep]; !ok {
				errs = append(errs, resolutionErr(name, []string{name, dep},
					fmt.Errorf("%w: %s needs %s", ErrUnresolvedDependency, name, dep)))
			}
		}
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var dfs func(name string) error
	dfs = func(name string) error {
		visited[name] = true
		onStack[name] = true
		stack = append(stack, name)

		for _, dep := range r.descriptors[name].deps {
			if _, ok := r.descriptors[dep]; !ok {
				continue
			}
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				i := slices.Index(stack, dep)
				cycle := append(slices.Clone(stack[i:]), dep)
				return resolutionErr(dep, cycle, ErrCyclicDependency)
			}
		}

		onStack[name] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, name := range r.order {
		if !visited[name] {
			if err := dfs(name); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Dispose tears down every created service in reverse creation order,
// which is a reverse topological order of the dependency graph. Errors are
// joined; every service is attempted. Calling Dispose again is a no-op.
func (r *Registry) Dispose(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}
	r.disposed = true

	var errs []error
	for i := len(r.created) - 1; i >= 0; i-- {
		d := r.descriptors[r.created[i]]
		if err := dispose(ctx, d.instance); err != nil {
			log.Err(r.logger, log.CatRegistry, "dispose failed", err, "name", d.name)
			errs = append(errs, fmt.Errorf("dispose %s: %w", d.name, err))
		}
	}
	for _, d := range r.descriptors {
		d.state = StateDisposed
		d.instance = nil
	}
	r.logger.Log(log.LevelInfo, log.CatRegistry, "registry disposed", "services", len(r.created))
	return errors.Join(errs...)
}

func dispose(ctx context.Context, instance any) (err error) {
	var pc panics.Catcher
	pc.Try(func() {
		switch s := instance.(type) {
		case Disposer:
			err = s.Dispose(ctx)
		case io.Closer:
			err = s.Close()
		}
	})
	if rec := pc.Recovered(); rec != nil {
		return rec.AsError()
	}
	return err
}
