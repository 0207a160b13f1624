// Package errorhandler classifies operational failures, retries the
// recoverable ones with exponential backoff and renders user-safe messages.
package errorhandler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is the operational class of a failure.
type Category int

const (
	CategoryService Category = iota
	CategoryNetwork
	CategoryValidation
	CategoryFileSystem
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryValidation:
		return "validation"
	case CategoryFileSystem:
		return "filesystem"
	case CategoryService:
		return "service"
	case CategoryFatal:
		return "fatal"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory converts a category name into a Category.
func ParseCategory(s string) (Category, error) {
	for c := CategoryService; c <= CategoryFatal; c++ {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return CategoryService, fmt.Errorf("unknown error category %q", s)
}

// Record describes one handled failure. ID only correlates log lines and
// is never shown to users.
type Record struct {
	ID          string
	Operation   string
	Category    Category
	Recoverable bool
	Cause       error
	Attempts    int
	Context     map[string]any
	OccurredAt  time.Time
}

// Categorized lets an error state its own category.
type Categorized interface {
	Category() Category
}

type categorizedError struct {
	err error
	cat Category
}

func (e *categorizedError) Error() string      { return e.err.Error() }
func (e *categorizedError) Unwrap() error      { return e.err }
func (e *categorizedError) Category() Category { return e.cat }

// WithCategory tags err with an explicit category that takes precedence
// over every other classification rule.
func WithCategory(err error, cat Category) error {
	if err == nil {
		return nil
	}
	return &categorizedError{err: err, cat: cat}
}

// Network marks err as a transient network failure.
func Network(err error) error { return WithCategory(err, CategoryNetwork) }

// Invalid marks err as a validation failure.
func Invalid(err error) error { return WithCategory(err, CategoryValidation) }

// Sentinel reasons carried by HandledError.
var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrNotRecoverable   = errors.New("not recoverable")
	ErrDeadlineExceeded = errors.New("retry deadline exceeded")
	ErrCanceled         = errors.New("canceled")
)

// HandledError is returned when an operation failed for good and no
// fallback was supplied.
type HandledError struct {
	Record Record
	Reason error
}

func (e *HandledError) Error() string {
	return fmt.Sprintf("%s: %s failure after %d attempt(s) (%v): %v",
		e.Record.Operation, e.Record.Category, e.Record.Attempts, e.Reason, e.Record.Cause)
}

// Unwrap exposes both the reason sentinel and the original cause.
func (e *HandledError) Unwrap() []error {
	return []error{e.Reason, e.Record.Cause}
}

// PanicError is a recovered panic. It is always classified Fatal.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
