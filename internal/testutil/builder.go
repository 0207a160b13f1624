package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

type declared struct {
	key  string
	rule config.Rule
	def  any
}

type layered struct {
	layer config.Layer
	key   string
	value any
}

// SettingsBuilder accumulates declarations and layer values and applies
// them to a fresh config.Manager in the right order.
type SettingsBuilder struct {
	t       *testing.T
	opts    []config.Option
	decls   []declared
	declFns []func(*config.Manager) error
	values  []layered
}

// NewSettings starts a builder. The manager logs nowhere unless an option
// says otherwise.
func NewSettings(t *testing.T, opts ...config.Option) *SettingsBuilder {
	t.Helper()
	return &SettingsBuilder{t: t, opts: append([]config.Option{config.WithLogger(log.Nop())}, opts...)}
}

// Declare adds one key.
func (b *SettingsBuilder) Declare(key string, rule config.Rule, def any) *SettingsBuilder {
	b.decls = append(b.decls, declared{key, rule, def})
	return b
}

// DeclareWith runs a bulk declaration function such as app.DeclareSettings.
func (b *SettingsBuilder) DeclareWith(fn func(*config.Manager) error) *SettingsBuilder {
	b.declFns = append(b.declFns, fn)
	return b
}

// WithValue writes value to layer after every declaration.
func (b *SettingsBuilder) WithValue(layer config.Layer, key string, value any) *SettingsBuilder {
	b.values = append(b.values, layered{layer, key, value})
	return b
}

// Build creates the manager, failing the test on any rejected step.
func (b *SettingsBuilder) Build() *config.Manager {
	b.t.Helper()
	m := config.NewManager(b.opts...)
	for _, fn := range b.declFns {
		require.NoError(b.t, fn(m))
	}
	for _, d := range b.decls {
		require.NoError(b.t, m.Declare(d.key, d.rule, d.def), d.key)
	}
	for _, v := range b.values {
		require.NoError(b.t, m.SetLayer(v.key, v.value, v.layer), v.key)
	}
	return m
}
