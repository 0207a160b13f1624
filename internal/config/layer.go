package config

import (
	"fmt"
	"strings"
)

// Layer identifies where a configuration value came from. Higher layers
// override lower ones.
type Layer int

const (
	LayerDefault Layer = iota
	LayerEnvironment
	LayerUser
	LayerWorkspace
	LayerRuntime

	numLayers = int(LayerRuntime) + 1
)

func (l Layer) String() string {
	switch l {
	case LayerDefault:
		return "default"
	case LayerEnvironment:
		return "environment"
	case LayerUser:
		return "user"
	case LayerWorkspace:
		return "workspace"
	case LayerRuntime:
		return "runtime"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// ParseLayer converts a layer name into a Layer.
func ParseLayer(s string) (Layer, error) {
	for l := LayerDefault; l <= LayerRuntime; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return LayerDefault, fmt.Errorf("unknown config layer %q", s)
}

// Persistent reports whether writes to the layer are flushed to a Store.
func (l Layer) Persistent() bool {
	return l == LayerUser || l == LayerWorkspace
}

func (l Layer) valid() bool {
	return l >= LayerDefault && l <= LayerRuntime
}
