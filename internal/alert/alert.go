// Package alert delivers operator notifications raised by the runtime,
// such as a service that exhausted its automatic restarts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

// Severity of an operator notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity converts a severity name into a Severity.
func ParseSeverity(s string) (Severity, error) {
	for sev := SeverityInfo; sev <= SeverityCritical; sev++ {
		if strings.EqualFold(s, sev.String()) {
			return sev, nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown alert severity %q", s)
}

// Notifier reaches the host application's operator.
type Notifier interface {
	NotifyOperator(ctx context.Context, message string, severity Severity) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, message string, severity Severity) error

func (f Func) NotifyOperator(ctx context.Context, message string, severity Severity) error {
	return f(ctx, message, severity)
}

// LogNotifier writes alerts to a logger. It is the fallback when the host
// supplies no notifier.
type LogNotifier struct {
	Logger log.Logger
}

func (n LogNotifier) NotifyOperator(_ context.Context, message string, severity Severity) error {
	l := n.Logger
	if l == nil {
		l = log.Default()
	}
	level := log.LevelWarn
	if severity == SeverityCritical {
		level = log.LevelError
	} else if severity == SeverityInfo {
		level = log.LevelInfo
	}
	l.Log(level, log.CatAlert, message, "severity", severity)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
func Multi(notifiers ...Notifier) Notifier {
	return Func(func(ctx context.Context, message string, severity Severity) error {
		var errs []error
		for _, n := range notifiers {
			if n == nil {
				continue
			}
			if err := n.NotifyOperator(ctx, message, severity); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
