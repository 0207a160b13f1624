package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Registry errors. They signal misconfiguration and are never retried.
var (
	ErrDuplicateRegistration = errors.New("service already registered")
	ErrUnresolvedDependency  = errors.New("unresolved dependency")
	ErrCyclicDependency      = errors.New("cyclic dependency")
	ErrServiceNotFound       = errors.New("service not found")
	ErrRegistryDisposed      = errors.New("registry disposed")
	ErrServiceErrored        = errors.New("service failed to initialize")
	ErrTypeMismatch          = errors.New("service type mismatch")
)

// ResolutionError describes a failed registration or lookup.
type ResolutionError struct {
	Name string
	// Path is the resolution stack, ending with the offending name.
	Path []string
	Err  error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registry: %s", e.Name)
	if len(e.Path) > 1 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Path, " -> "))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Misconfiguration marks registry failures as programming defects.
func (e *ResolutionError) Misconfiguration() bool { return true }

func resolutionErr(name string, path []string, err error) error {
	return &ResolutionError{Name: name, Path: path, Err: err}
}
