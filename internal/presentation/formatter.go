package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	healthyColor   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#7CCB82"}
	degradedColor  = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#F2C66D"}
	unhealthyColor = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#F0787A"}
	mutedColor     = lipgloss.AdaptiveColor{Light: "#6B6B6B", Dark: "#8A8A8A"}

	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "healthy":
		return lipgloss.NewStyle().Foreground(healthyColor)
	case "degraded":
		return lipgloss.NewStyle().Foreground(degradedColor)
	case "unhealthy":
		return lipgloss.NewStyle().Foreground(unhealthyColor).Bold(true)
	default:
		return mutedStyle
	}
}

// Formatter handles output formatting.
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter.
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{writer: writer}
}

// FormatJSON writes v as indented JSON.
func (f *Formatter) FormatJSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatStatus writes the health report as aligned, colored rows.
func (f *Formatter) FormatStatus(report StatusReportDTO) error {
	_, err := io.WriteString(f.writer, RenderStatus(report))
	return err
}

// FormatSettings writes configuration entries as aligned rows.
func (f *Formatter) FormatSettings(settings []SettingDTO) error {
	_, err := io.WriteString(f.writer, RenderSettings(settings))
	return err
}

// RenderStatus renders the health report.
func RenderStatus(report StatusReportDTO) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("overall: "))
	b.WriteString(stateStyle(report.Overall).Render(report.Overall))
	b.WriteString("\n")
	if len(report.Services) == 0 {
		b.WriteString(mutedStyle.Render("no services registered"))
		b.WriteString("\n")
		return b.String()
	}

	nameWidth := 0
	for _, s := range report.Services {
		nameWidth = max(nameWidth, lipgloss.Width(s.Name))
	}
	nameCol := lipgloss.NewStyle().Width(nameWidth + 2)
	stateCol := lipgloss.NewStyle().Width(len("unhealthy") + 2)

	for _, s := range report.Services {
		b.WriteString(nameCol.Render(s.Name))
		b.WriteString(stateCol.Render(stateStyle(s.State).Render(s.State)))
		detail := s.Message
		if s.Pinned {
			detail = fmt.Sprintf("%s (restarts stopped after %d attempts)", detail, s.RestartAttempts)
		} else if s.RestartAttempts > 0 {
			detail = fmt.Sprintf("%s (restart attempt %d)", detail, s.RestartAttempts)
		}
		b.WriteString(mutedStyle.Render(strings.TrimSpace(detail)))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderSettings renders configuration entries as key, value, source.
func RenderSettings(settings []SettingDTO) string {
	keyWidth, valueWidth := 0, 0
	for _, s := range settings {
		keyWidth = max(keyWidth, len(s.Key))
		valueWidth = max(valueWidth, len(formatValue(s.Value)))
	}
	keyCol := lipgloss.NewStyle().Width(keyWidth + 2)
	valueCol := lipgloss.NewStyle().Width(valueWidth + 2)

	var b strings.Builder
	for _, s := range settings {
		b.WriteString(keyCol.Render(s.Key))
		b.WriteString(valueCol.Render(formatValue(s.Value)))
		b.WriteString(mutedStyle.Render(s.Source))
		b.WriteString("\n")
	}
	return b.String()
}
