package errorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
)

// Rule maps an error to a category when it matches.
type Rule struct {
	Name     string
	Classify func(err error) (Category, bool)
}

// DefaultRules returns the built-in rule table. Rules are tried in order
// and the first match wins; unmatched errors are CategoryService.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "categorized", Classify: categorized},
		{Name: "panic", Classify: matchAs[*PanicError](CategoryFatal)},
		{Name: "misconfiguration", Classify: marker(CategoryFatal, func(err error) bool {
			var m interface{ Misconfiguration() bool }
			return errors.As(err, &m) && m.Misconfiguration()
		})},
		{Name: "validation", Classify: marker(CategoryValidation, isValidation)},
		{Name: "network", Classify: marker(CategoryNetwork, isNetwork)},
		{Name: "filesystem", Classify: marker(CategoryFileSystem, isFileSystem)},
		{Name: "network-message", Classify: messageRule(CategoryNetwork, networkPatterns)},
		{Name: "filesystem-message", Classify: messageRule(CategoryFileSystem, fileSystemPatterns)},
	}
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"service unavailable",
}

var fileSystemPatterns = []string{
	"no such file or directory",
	"permission denied",
	"file exists",
	"is a directory",
	"no space left on device",
	"read-only file system",
}

func categorized(err error) (Category, bool) {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category(), true
	}
	return 0, false
}

func matchAs[E error](cat Category) func(error) (Category, bool) {
	return func(err error) (Category, bool) {
		var target E
		return cat, errors.As(err, &target)
	}
}

func marker(cat Category, match func(error) bool) func(error) (Category, bool) {
	return func(err error) (Category, bool) {
		return cat, match(err)
	}
}

func messageRule(cat Category, patterns []string) func(error) (Category, bool) {
	return func(err error) (Category, bool) {
		msg := strings.ToLower(err.Error())
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return cat, true
			}
		}
		return cat, false
	}
}

func isValidation(err error) bool {
	var v interface{ Validation() bool }
	if errors.As(err, &v) && v.Validation() {
		return true
	}
	var numErr *strconv.NumError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &numErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ETIMEDOUT,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	// syscall.Errno satisfies net.Error too, so a bare errno from a file
	// operation must not count as a network failure.
	var netErr net.Error
	if errors.As(err, &netErr) {
		_, isErrno := netErr.(syscall.Errno)
		return !isErrno
	}
	return false
}

func isFileSystem(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOSPC) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}

// Classifier assigns categories and decides which are retried.
type Classifier struct {
	rules       []Rule
	recoverable map[Category]bool
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithRules replaces the rule table.
func WithRules(rules ...Rule) ClassifierOption {
	return func(c *Classifier) { c.rules = rules }
}

// WithExtraRules runs rules ahead of the current table.
func WithExtraRules(rules ...Rule) ClassifierOption {
	return func(c *Classifier) { c.rules = append(append([]Rule{}, rules...), c.rules...) }
}

// WithRecoverable replaces the set of retried categories.
func WithRecoverable(cats ...Category) ClassifierOption {
	return func(c *Classifier) {
		c.recoverable = make(map[Category]bool, len(cats))
		for _, cat := range cats {
			c.recoverable[cat] = true
		}
	}
}

// NewClassifier builds a classifier over DefaultRules where only
// CategoryNetwork is recoverable.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		rules:       DefaultRules(),
		recoverable: map[Category]bool{CategoryNetwork: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the category of err. A nil classifier uses the
// default rules.
func (c *Classifier) Classify(err error) Category {
	if c == nil {
		c = defaultClassifier
	}
	if err == nil {
		return CategoryService
	}
	for _, r := range c.rules {
		if cat, ok := r.Classify(err); ok {
			return cat
		}
	}
	return CategoryService
}

// Recoverable reports whether failures of cat are retried.
func (c *Classifier) Recoverable(cat Category) bool {
	if c == nil {
		c = defaultClassifier
	}
	return c.recoverable[cat]
}

var defaultClassifier = NewClassifier()

// Classify uses the default rule table.
func Classify(err error) Category {
	return defaultClassifier.Classify(err)
}
