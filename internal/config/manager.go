// Package config implements the layered configuration manager. Values are
// declared with a validation rule and a default, then overridden by the
// environment, user, workspace and runtime layers in that order.
package config

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/metrics"
)

const defaultFlushTimeout = 5 * time.Second

var keyPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Change describes an effective value change.
type Change struct {
	Key    string
	Old    any
	New    any
	Source Layer
}

// Entry is one declared key with its effective value.
type Entry struct {
	Key    string
	Value  any
	Source Layer
	Rule   Rule
}

type flushKey struct {
	layer Layer
	key   string
}

// Manager holds the declared keys and all layer values.
type Manager struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	layers [numLayers]map[string]any
	hooks  []func(Change)

	stores       map[Layer]Store
	storeMu      [numLayers]sync.Mutex
	envPrefix    string
	flushTimeout time.Duration
	logger       log.Logger
	metrics      *metrics.Metrics

	flushMu       sync.Mutex
	flushSeq      map[flushKey]uint64
	inflight      map[flushKey]int
	flushFailures int
	lastFlushErr  error
	flushWG       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore attaches persistence to the user or workspace layer.
func WithStore(layer Layer, store Store) Option {
	return func(m *Manager) {
		if layer.Persistent() && store != nil {
			m.stores[layer] = store
		}
	}
}

// WithEnvPrefix sets the environment variable prefix, e.g. "LUMINA" maps
// cache.max_size to LUMINA_CACHE_MAX_SIZE.
func WithEnvPrefix(prefix string) Option {
	return func(m *Manager) { m.envPrefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records rejected writes and flush failures.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithFlushTimeout bounds each persistence write.
func WithFlushTimeout(d time.Duration) Option {
	return func(m *Manager) { m.flushTimeout = d }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		rules:        make(map[string]*Rule),
		stores:       make(map[Layer]Store),
		flushTimeout: defaultFlushTimeout,
		logger:       log.Default(),
		flushSeq:     make(map[flushKey]uint64),
		inflight:     make(map[flushKey]int),
	}
	for i := range m.layers {
		m.layers[i] = make(map[string]any)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Declare registers key with its rule and default value.
func (m *Manager) Declare(key string, rule Rule, def any) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("config: invalid key %q", key)
	}
	if err := rule.compile(); err != nil {
		return fmt.Errorf("config: declare %s: %w", key, err)
	}
	if reasons := rule.check(def); reasons != nil {
		return &ViolationError{Key: key, Layer: LayerDefault, Value: def, Rule: rule.String(), Reasons: reasons}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[key]; exists {
		return fmt.Errorf("config: key %s already declared", key)
	}
	m.rules[key] = &rule
	m.layers[LayerDefault][key] = rule.canonical(def)
	return nil
}

// OnChange registers fn to be called after every effective value change.
// fn runs on the writer's goroutine before the write returns, so it must
// not block.
func (m *Manager) OnChange(fn func(Change)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Get returns the effective value of key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, _, ok := m.effective(key)
	return v, ok
}

// Source returns the layer that supplies the effective value of key.
func (m *Manager) Source(key string) (Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, l, ok := m.effective(key)
	return l, ok
}

// GetString returns the effective value of key as a string.
func (m *Manager) GetString(key string) string {
	v, _ := m.Get(key)
	return cast.ToString(v)
}

// GetInt returns the effective value of key as an int.
func (m *Manager) GetInt(key string) int {
	v, _ := m.Get(key)
	return cast.ToInt(v)
}

// GetFloat returns the effective value of key as a float64.
func (m *Manager) GetFloat(key string) float64 {
	v, _ := m.Get(key)
	return cast.ToFloat64(v)
}

// GetBool returns the effective value of key as a bool.
func (m *Manager) GetBool(key string) bool {
	v, _ := m.Get(key)
	return cast.ToBool(v)
}

// GetDuration returns the effective integer value of key multiplied by
// unit, e.g. GetDuration("health.interval_seconds", time.Second).
func (m *Manager) GetDuration(key string, unit time.Duration) time.Duration {
	return time.Duration(m.GetInt(key)) * unit
}

// LayerValue returns the value key has in one specific layer.
func (m *Manager) LayerValue(key string, layer Layer) (any, bool) {
	if !layer.valid() {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.layers[layer][key]
	return v, ok
}

// Keys returns every declared key, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.rules))
}

// Snapshot returns the effective value of every declared key.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.rules))
	for key := range m.rules {
		if v, _, ok := m.effective(key); ok {
			out[key] = v
		}
	}
	return out
}

// Entries returns every declared key with its effective value and source.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := slices.Sorted(maps.Keys(m.rules))
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		v, l, _ := m.effective(key)
		out = append(out, Entry{Key: key, Value: v, Source: l, Rule: *m.rules[key]})
	}
	return out
}

// effective scans from the highest layer down. Callers hold m.mu.
func (m *Manager) effective(key string) (any, Layer, bool) {
	for l := LayerRuntime; l >= LayerDefault; l-- {
		if v, ok := m.layers[l][key]; ok {
			return v, l, true
		}
	}
	return nil, LayerDefault, false
}

// Coerce converts a raw string (CLI argument, environment value) to the
// type key is declared with.
func (m *Manager) Coerce(key, raw string) (any, error) {
	m.mu.RLock()
	rule, ok := m.rules[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v, err := rule.coerce(raw)
	if err != nil {
		return nil, &ViolationError{Key: key, Layer: LayerRuntime, Value: raw, Rule: rule.String(), Reasons: []string{err.Error()}}
	}
	return v, nil
}

// Set writes key to the runtime layer.
func (m *Manager) Set(key string, value any) error {
	return m.SetLayer(key, value, LayerRuntime)
}

// SetLayer validates value and writes it to layer. A rejected write leaves
// every layer untouched. Writes to persistent layers are flushed to the
// layer's store in the background.
func (m *Manager) SetLayer(key string, value any, layer Layer) error {
	if !layer.valid() {
		return fmt.Errorf("config: invalid layer %d", int(layer))
	}
	if layer == LayerDefault {
		return fmt.Errorf("%w: %s", ErrReadOnlyLayer, layer)
	}

	m.mu.Lock()
	rule, ok := m.rules[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if reasons := rule.check(value); reasons != nil {
		m.mu.Unlock()
		m.metrics.ConfigRejected(key)
		m.logger.Log(log.LevelWarn, log.CatConfig, "rejected config write", "key", key, "layer", layer, "value", value, "rule", rule.String())
		return &ViolationError{Key: key, Layer: layer, Value: value, Rule: rule.String(), Reasons: reasons}
	}

	value = rule.canonical(value)
	old, _, _ := m.effective(key)
	m.layers[layer][key] = value
	cur, src, _ := m.effective(key)
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	if layer.Persistent() {
		m.scheduleFlush(layer, key, value)
	}
	if !equal(old, cur) {
		notify(hooks, Change{Key: key, Old: old, New: cur, Source: src})
	}
	return nil
}

// Remove deletes key from layer, exposing the next lower layer's value.
func (m *Manager) Remove(key string, layer Layer) error {
	if !layer.valid() {
		return fmt.Errorf("config: invalid layer %d", int(layer))
	}
	if layer == LayerDefault {
		return fmt.Errorf("%w: %s", ErrReadOnlyLayer, layer)
	}

	m.mu.Lock()
	if _, ok := m.rules[key]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if _, ok := m.layers[layer][key]; !ok {
		m.mu.Unlock()
		return nil
	}
	old, _, _ := m.effective(key)
	delete(m.layers[layer], key)
	cur, src, _ := m.effective(key)
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	if layer.Persistent() {
		m.scheduleFlush(layer, key, nil)
	}
	if !equal(old, cur) {
		notify(hooks, Change{Key: key, Old: old, New: cur, Source: src})
	}
	return nil
}

// Load populates the environment layer and every persistent layer that has
// a store. Invalid or unknown persisted values are logged and skipped.
func (m *Manager) Load(ctx context.Context) error {
	if m.envPrefix != "" {
		m.replaceLayer(LayerEnvironment, m.readEnv(), false)
	}
	for _, layer := range []Layer{LayerUser, LayerWorkspace} {
		if err := m.Reload(ctx, layer); err != nil {
			return err
		}
	}
	return nil
}

// Reload re-reads one persistent layer from its store. Keys with a flush
// still in flight keep their in-memory value.
func (m *Manager) Reload(ctx context.Context, layer Layer) error {
	store, ok := m.stores[layer]
	if !ok {
		return nil
	}
	raw, err := store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("config: read %s layer: %w", layer, err)
	}
	m.replaceLayer(layer, raw, true)
	m.logger.Log(log.LevelDebug, log.CatConfig, "layer loaded", "layer", layer, "keys", len(raw))
	return nil
}

// ApplyLayer replaces the contents of layer with loosely typed values, for
// example the flattened contents of a settings file. Values are coerced to
// their declared kinds; invalid entries are skipped.
func (m *Manager) ApplyLayer(layer Layer, values map[string]any) error {
	if !layer.valid() || layer == LayerDefault {
		return fmt.Errorf("%w: %s", ErrReadOnlyLayer, layer)
	}
	m.replaceLayer(layer, values, false)
	return nil
}

func (m *Manager) replaceLayer(layer Layer, raw map[string]any, keepInflight bool) {
	m.mu.Lock()
	next := make(map[string]any, len(raw))
	for key, v := range raw {
		rule, ok := m.rules[key]
		if !ok {
			m.logger.Log(log.LevelWarn, log.CatConfig, "ignoring undeclared key", "key", key, "layer", layer)
			continue
		}
		cv, err := rule.coerce(v)
		if err == nil {
			if reasons := rule.check(cv); reasons != nil {
				err = fmt.Errorf("%v", reasons)
			}
		}
		if err != nil {
			m.logger.Log(log.LevelWarn, log.CatConfig, "ignoring invalid value", "key", key, "layer", layer, "value", v, "error", err)
			continue
		}
		next[key] = rule.canonical(cv)
	}
	if keepInflight {
		for key, v := range m.layers[layer] {
			if m.flushPending(layer, key) {
				next[key] = v
			}
		}
		for key := range next {
			if _, had := m.layers[layer][key]; !had && m.flushPending(layer, key) {
				delete(next, key)
			}
		}
	}

	before := make(map[string]any, len(m.rules))
	for key := range m.rules {
		before[key], _, _ = m.effective(key)
	}
	m.layers[layer] = next

	var changes []Change
	for _, key := range slices.Sorted(maps.Keys(m.rules)) {
		cur, src, _ := m.effective(key)
		if !equal(before[key], cur) {
			changes = append(changes, Change{Key: key, Old: before[key], New: cur, Source: src})
		}
	}
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	for _, c := range changes {
		notify(hooks, c)
	}
}

func notify(hooks []func(Change), c Change) {
	for _, fn := range hooks {
		fn(c)
	}
}

// Stored values are always scalars after canonical conversion.
func equal(a, b any) bool {
	return a == b
}
