// Package log provides structured logging for the lumina runtime.
// Entries are leveled, tagged with a category, formatted as key=value lines
// and fanned out to live subscribers through a pubsub broker.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AEtherlight-ai/lumina-sub000/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name (case-insensitive) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups related log messages.
type Category string

const (
	CatApp      Category = "app"      // Runtime startup and shutdown
	CatRegistry Category = "registry" // Service resolution and disposal
	CatConfig   Category = "config"   // Configuration loading/saving
	CatCache    Category = "cache"    // cache operations
	CatEvents   Category = "events"   // Event bus publish and delivery
	CatErrors   Category = "errors"   // Classified and retried failures
	CatHealth   Category = "health"   // Health checks and restarts
	CatAlert    Category = "alert"    // Operator notifications
	CatStore    Category = "store"    // Settings persistence
	CatWatcher  Category = "watcher"  // File watcher events
	CatTrace    Category = "trace"    // Tracing provider lifecycle
)

// Logger is the sink every component logs through.
type Logger interface {
	Log(level Level, cat Category, msg string, fields ...any)
}

// StreamLogger writes formatted entries to a writer and publishes each
// entry to its subscribers.
type StreamLogger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
	now      func() time.Time
}

// New creates a StreamLogger writing to w at debug level.
func New(w io.Writer) *StreamLogger {
	return &StreamLogger{
		writer:   w,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
		now:      time.Now,
	}
}

// Open creates a StreamLogger appending to the file at path.
func Open(path string) (*StreamLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled log path
	if err != nil {
		return nil, err
	}
	l := New(f)
	l.file = f
	return l, nil
}

// Close releases the underlying file, if any, and closes subscriber feeds.
func (l *StreamLogger) Close() error {
	l.broker.Close()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// SetEnabled toggles logging on/off.
func (l *StreamLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// SetMinLevel sets the minimum log level.
func (l *StreamLogger) SetMinLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// Subscribe returns a feed of formatted entries, closed when ctx ends.
func (l *StreamLogger) Subscribe(ctx context.Context) <-chan pubsub.Event[string] {
	return l.broker.Subscribe(ctx)
}

// Log formats and writes one entry.
func (l *StreamLogger) Log(level Level, cat Category, msg string, fields ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || level < l.minLevel {
		return
	}

	entry := format(l.now(), level, cat, msg, fields)

	if l.writer != nil {
		_, _ = l.writer.Write([]byte(entry))
	}
	l.broker.Publish(pubsub.LoggedEvent, entry)
}

// Format: 2025-12-06T10:45:00 [ERROR] [config] message key=value key2=value2
func format(ts time.Time, level Level, cat Category, msg string, fields []any) string {
	var b strings.Builder
	b.WriteString(ts.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	// Handle odd field count - append orphan key with no value
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	return b.String()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *StreamLogger
)

// Init initializes the global logger against a file.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	l, err := Open(path)
	if err != nil {
		return nil, err
	}
	SetDefault(l)
	return func() {
		SetDefault(nil)
		_ = l.Close()
	}, nil
}

// SetDefault replaces the global logger. A nil logger disables global logging.
func SetDefault(l *StreamLogger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func current() *StreamLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetEnabled toggles the global logger on/off.
func SetEnabled(enabled bool) {
	if l := current(); l != nil {
		l.SetEnabled(enabled)
	}
}

// SetMinLevel sets the minimum level of the global logger.
func SetMinLevel(level Level) {
	if l := current(); l != nil {
		l.SetMinLevel(level)
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	write(LevelError, cat, msg, withErr(fields, err)...)
}

func withErr(fields []any, err error) []any {
	if err != nil {
		return append(fields, "error", err.Error())
	}
	return append(fields, "error", "<nil>")
}

func write(level Level, cat Category, msg string, fields ...any) {
	if l := current(); l != nil {
		l.Log(level, cat, msg, fields...)
	}
}

type globalLogger struct{}

func (globalLogger) Log(level Level, cat Category, msg string, fields ...any) {
	write(level, cat, msg, fields...)
}

// Default returns a Logger that forwards to whatever global logger is
// installed at call time.
func Default() Logger { return globalLogger{} }

type nopLogger struct{}

func (nopLogger) Log(Level, Category, string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

// Err logs err at error level through l.
func Err(l Logger, cat Category, msg string, err error, fields ...any) {
	l.Log(LevelError, cat, msg, withErr(fields, err)...)
}

// Subscribe returns a feed of global log entries. It returns nil when no
// global logger is installed.
func Subscribe(ctx context.Context) <-chan pubsub.Event[string] {
	l := current()
	if l == nil {
		return nil
	}
	return l.Subscribe(ctx)
}
