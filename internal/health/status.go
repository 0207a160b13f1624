// Package health runs periodic health checks over registered services,
// propagates dependency failures and restarts unhealthy services a bounded
// number of times before pinning them and alerting the operator.
package health

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is the health of one service.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateNames lists every state name, used for one-hot gauges.
func StateNames() []string {
	return []string{
		StateUnknown.String(),
		StateHealthy.String(),
		StateDegraded.String(),
		StateUnhealthy.String(),
	}
}

// severity orders states from best to worst for aggregation.
func (s State) severity() int {
	switch s {
	case StateHealthy:
		return 0
	case StateUnknown:
		return 1
	case StateDegraded:
		return 2
	case StateUnhealthy:
		return 3
	default:
		return 1
	}
}

// Report is what a service says about itself.
type Report struct {
	State        State
	Message      string
	Dependencies []string
}

// Healthy is a convenience constructor.
func Healthy(message string) Report { return Report{State: StateHealthy, Message: message} }

// Degraded is a convenience constructor.
func Degraded(message string) Report { return Report{State: StateDegraded, Message: message} }

// Unhealthy is a convenience constructor.
func Unhealthy(message string) Report { return Report{State: StateUnhealthy, Message: message} }

// Checker is implemented by monitored services.
type Checker interface {
	HealthCheck(ctx context.Context) (Report, error)
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) (Report, error)

func (f CheckFunc) HealthCheck(ctx context.Context) (Report, error) { return f(ctx) }

// Restarter is implemented by services that can be restarted in place.
type Restarter interface {
	Restart(ctx context.Context) error
}

// SupportsRestart reports whether svc can be restarted.
func SupportsRestart(svc any) (Restarter, bool) {
	r, ok := svc.(Restarter)
	return r, ok && r != nil
}

// Status is the monitor's current view of one service.
type Status struct {
	ServiceName     string
	State           State
	LastCheckedAt   time.Time
	Message         string
	Dependencies    []string
	RestartAttempts int
	Pinned          bool
}

// Aggregate returns the worst state in statuses. An empty set is healthy.
func Aggregate(statuses []Status) State {
	worst := StateHealthy
	for _, s := range statuses {
		if s.State.severity() > worst.severity() {
			worst = s.State
		}
	}
	return worst
}

var (
	urlPattern        = regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^\s]+`)
	ipAddrPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d{1,5})?\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|credential|api[_-]?key)[^a-zA-Z]*[:=][^,\s}]+`)
)

// sanitize strips addresses and credentials from check errors before they
// reach statuses, events and operator alerts.
func sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = ipAddrPattern.ReplaceAllString(msg, "[IP]")
	msg = credentialPattern.ReplaceAllString(msg, "[REDACTED]")
	return strings.TrimSpace(msg)
}
