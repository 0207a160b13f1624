// Package presentation renders runtime state for the command line, either
// as JSON for scripts or as styled text for terminals.
package presentation

import (
	"fmt"
	"time"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/health"
)

// ServiceStatusDTO is one supervised service.
type ServiceStatusDTO struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Message         string    `json:"message,omitempty"`
	Dependencies    []string  `json:"dependencies"`
	RestartAttempts int       `json:"restart_attempts"`
	Pinned          bool      `json:"pinned"`
	LastCheckedAt   time.Time `json:"last_checked_at"`
}

// StatusReportDTO is the overall health picture.
type StatusReportDTO struct {
	Overall  string             `json:"overall"`
	Services []ServiceStatusDTO `json:"services"`
}

// SettingDTO is one declared configuration key.
type SettingDTO struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Source      string `json:"source"`
	Rule        string `json:"rule"`
	Description string `json:"description,omitempty"`
}

// FromStatus converts a health status.
func FromStatus(s health.Status) ServiceStatusDTO {
	deps := s.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return ServiceStatusDTO{
		Name:            s.ServiceName,
		State:           s.State.String(),
		Message:         s.Message,
		Dependencies:    deps,
		RestartAttempts: s.RestartAttempts,
		Pinned:          s.Pinned,
		LastCheckedAt:   s.LastCheckedAt,
	}
}

// FromStatuses converts every status and computes the overall state.
func FromStatuses(statuses []health.Status) StatusReportDTO {
	out := StatusReportDTO{
		Overall:  health.Aggregate(statuses).String(),
		Services: make([]ServiceStatusDTO, 0, len(statuses)),
	}
	for _, s := range statuses {
		out.Services = append(out.Services, FromStatus(s))
	}
	return out
}

// FromEntries converts configuration entries.
func FromEntries(entries []config.Entry) []SettingDTO {
	out := make([]SettingDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, SettingDTO{
			Key:         e.Key,
			Value:       e.Value,
			Source:      e.Source.String(),
			Rule:        e.Rule.String(),
			Description: e.Rule.Description,
		})
	}
	return out
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
