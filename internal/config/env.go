package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// readEnv collects the declared keys present in the environment, e.g.
// LUMINA_CACHE_MAX_SIZE for cache.max_size with prefix LUMINA.
func (m *Manager) readEnv() map[string]any {
	v := viper.New()
	v.SetEnvPrefix(m.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	out := make(map[string]any)
	for _, key := range m.Keys() {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			out[key] = v.Get(key)
		}
	}
	return out
}

// LoadFile reads a yaml, json or toml settings file into layer. Nested
// sections map to dotted keys.
func (m *Manager) LoadFile(path string, layer Layer) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return m.ApplyLayer(layer, Flatten(v.AllSettings()))
}

// Decode unmarshals the effective values under prefix into out, using
// mapstructure tags. An empty prefix decodes everything.
func (m *Manager) Decode(prefix string, out any) error {
	v := viper.New()
	for key, val := range m.Snapshot() {
		v.Set(key, val)
	}
	var err error
	if prefix == "" {
		err = v.Unmarshal(out)
	} else {
		err = v.UnmarshalKey(prefix, out)
	}
	if err != nil {
		return fmt.Errorf("config: decode %q: %w", prefix, err)
	}
	return nil
}
