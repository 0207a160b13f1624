package app

import (
	"errors"
	"fmt"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/tracing"
)

// CacheSettings configures the shared cache.
type CacheSettings struct {
	MaxSize                int `mapstructure:"max_size"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

// EventSettings configures the event bus.
type EventSettings struct {
	HistoryCapacity int  `mapstructure:"history_capacity"`
	RetainCritical  bool `mapstructure:"retain_critical"`
}

// ErrorSettings are the default retry policy.
type ErrorSettings struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMS int `mapstructure:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms"`
	DeadlineMS  int `mapstructure:"deadline_ms"`
}

// HealthSettings configures the health monitor.
type HealthSettings struct {
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	CheckTimeoutSeconds int `mapstructure:"check_timeout_seconds"`
	MaxAttempts         int `mapstructure:"max_attempts"`
}

// AlertSettings throttles operator alerts.
type AlertSettings struct {
	PerMinute int `mapstructure:"per_minute"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level string `mapstructure:"level"`
}

// Settings is the decoded runtime configuration.
type Settings struct {
	Cache   CacheSettings   `mapstructure:"cache"`
	Events  EventSettings   `mapstructure:"events"`
	Errors  ErrorSettings   `mapstructure:"errors"`
	Health  HealthSettings  `mapstructure:"health"`
	Alerts  AlertSettings   `mapstructure:"alerts"`
	Log     LogSettings     `mapstructure:"log"`
	Tracing tracing.Config  `mapstructure:"tracing"`
	Flags   map[string]bool `mapstructure:"flags"`
}

type declaration struct {
	key  string
	rule config.Rule
	def  any
}

var declarations = []declaration{
	{"cache.max_size", config.IntRange(1, 1_000_000).Describe("maximum entries in the shared cache"), 1000},
	{"cache.cleanup_interval_seconds", config.IntRange(0, 86_400).Describe("background purge of expired entries, 0 disables"), 60},
	{"events.history_capacity", config.IntRange(0, 1_000_000).Describe("events kept for history and replay"), 1000},
	{"events.retain_critical", config.Bool().Describe("never evict critical events from history"), false},
	{"errors.max_retries", config.IntRange(0, 20).Describe("retries after the first attempt"), 3},
	{"errors.base_delay_ms", config.IntRange(1, 60_000).Describe("wait before the first retry"), 100},
	{"errors.max_delay_ms", config.IntRange(1, 600_000).Describe("cap on a single retry wait"), 30_000},
	{"errors.deadline_ms", config.IntMin(0).Describe("overall retry budget, 0 means none"), 0},
	{"health.interval_seconds", config.IntRange(1, 86_400).Describe("time between health ticks"), 30},
	{"health.check_timeout_seconds", config.IntRange(1, 600).Describe("per-check timeout"), 5},
	{"health.max_attempts", config.IntRange(1, 100).Describe("restart attempts before giving up"), 3},
	{"alerts.per_minute", config.IntMin(0).Describe("identical operator alerts per minute, 0 means unlimited"), 6},
	{"log.level", config.OneOf("debug", "info", "warn", "error").Describe("minimum log level"), "info"},
	{"tracing.enabled", config.Bool().Describe("record OpenTelemetry spans"), false},
	{"tracing.exporter", config.OneOf("none", "file", "stdout", "otlp").Describe("span exporter"), "file"},
	{"tracing.file_path", config.String().Describe("JSONL span file, defaults to the workspace directory"), ""},
	{"tracing.otlp_endpoint", config.String().Describe("OTLP collector address"), "localhost:4317"},
	{"tracing.sample_rate", config.NumberRange(0, 1).Describe("fraction of root traces sampled"), 1.0},
	{"tracing.service_name", config.String().Describe("service.name resource attribute"), "lumina-runtime"},
	{"flags.auto_restart", config.Bool().Describe("restart unhealthy services automatically"), true},
	{"flags.config_watch", config.Bool().Describe("reload the user settings file when it changes"), true},
}

// liveKeys take effect without restarting the runtime.
var liveKeys = map[string]bool{
	"log.level":          true,
	"flags.auto_restart": true,
}

// DeclareSettings declares every runtime setting on m.
func DeclareSettings(m *config.Manager) error {
	var errs []error
	for _, d := range declarations {
		if err := m.Declare(d.key, d.rule, d.def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadSettings decodes the effective runtime settings.
func LoadSettings(m *config.Manager) (Settings, error) {
	var s Settings
	if err := m.Decode("", &s); err != nil {
		return Settings{}, fmt.Errorf("decoding runtime settings: %w", err)
	}
	return s, nil
}
