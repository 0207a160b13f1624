package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaViolation is returned when a value does not satisfy the key's rule.
	ErrSchemaViolation = errors.New("config: schema violation")

	// ErrUnknownKey is returned for keys that were never declared.
	ErrUnknownKey = errors.New("config: unknown key")

	// ErrReadOnlyLayer is returned when writing the default layer directly.
	ErrReadOnlyLayer = errors.New("config: layer is read-only")
)

// ViolationError describes a rejected write.
type ViolationError struct {
	Key     string
	Layer   Layer
	Value   any
	Rule    string
	Reasons []string
}

func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("config: %s=%v rejected for %s layer: must be %s", e.Key, e.Value, e.Layer, e.Rule)
	if len(e.Reasons) > 0 {
		msg += " (" + strings.Join(e.Reasons, "; ") + ")"
	}
	return msg
}

func (e *ViolationError) Unwrap() error { return ErrSchemaViolation }

// Validation marks the error as caused by invalid input.
func (e *ViolationError) Validation() bool { return true }
