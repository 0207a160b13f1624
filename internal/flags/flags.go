// Package flags exposes the runtime feature switches declared under the
// "flags." configuration prefix. A Registry is a read-only snapshot; the app
// rebuilds it when a flag changes.
package flags

import (
	"maps"
	"strings"

	"github.com/spf13/cast"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

// Prefix is the configuration section holding flags.
const Prefix = "flags."

const (
	// FlagAutoRestart lets the health monitor restart unhealthy services.
	FlagAutoRestart = "auto_restart"

	// FlagConfigWatch reloads the user settings file when it changes on disk.
	FlagConfigWatch = "config_watch"
)

// Registry holds feature flag state.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from a flag map.
// If flags is nil, an empty registry is created (all flags disabled).
func New(flags map[string]bool) *Registry {
	if flags == nil {
		flags = make(map[string]bool)
	}
	r := &Registry{flags: flags}
	log.Debug(log.CatConfig, "Feature flags initialized", "count", len(flags), "flags", r.All())
	return r
}

// FromSettings builds a Registry from effective configuration values,
// keeping only keys under Prefix. Values that are not booleans count as
// disabled.
func FromSettings(settings map[string]any) *Registry {
	flags := make(map[string]bool)
	for key, v := range settings {
		name, ok := strings.CutPrefix(key, Prefix)
		if !ok {
			continue
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			log.Warn(log.CatConfig, "Ignoring non-boolean flag", "flag", name, "value", v)
			continue
		}
		flags[name] = b
	}
	return New(flags)
}

// Key returns the configuration key for a flag name.
func Key(name string) string { return Prefix + name }

// Enabled returns true if the named flag is enabled.
// Returns false for unknown flags and on a nil registry.
func (r *Registry) Enabled(name string) bool {
	if r == nil || r.flags == nil {
		return false
	}
	value, exists := r.flags[name]
	if !exists {
		log.Debug(log.CatConfig, "Unknown flag accessed", "flag", name, "result", false)
		return false
	}
	return value
}

// All returns a copy of all flags.
func (r *Registry) All() map[string]bool {
	if r == nil || r.flags == nil {
		return make(map[string]bool)
	}
	result := make(map[string]bool, len(r.flags))
	maps.Copy(result, r.flags)
	return result
}
