// Package styles holds the lipgloss styles shared by the CLI and the model picker.
package styles

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/nachoal/localllm/llm"
)

// Theme represents a color theme
type Theme struct {
	Name      string
	Primary   lipgloss.AdaptiveColor
	Secondary lipgloss.AdaptiveColor
	Text      lipgloss.AdaptiveColor
	TextDim   lipgloss.AdaptiveColor
	Success   lipgloss.AdaptiveColor
	Warning   lipgloss.AdaptiveColor
	Error     lipgloss.AdaptiveColor
	Info      lipgloss.AdaptiveColor
}

// Default theme
var DefaultTheme = Theme{
	Name:      "default",
	Primary:   lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7B68EE"},
	Secondary: lipgloss.AdaptiveColor{Light: "#6C6CFF", Dark: "#9370DB"},
	Text:      lipgloss.AdaptiveColor{Light: "#1E1E1E", Dark: "#E0E0E0"},
	TextDim:   lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"},
	Success:   lipgloss.AdaptiveColor{Light: "#4CAF50", Dark: "#66BB6A"},
	Warning:   lipgloss.AdaptiveColor{Light: "#FF9800", Dark: "#FFA726"},
	Error:     lipgloss.AdaptiveColor{Light: "#F44336", Dark: "#EF5350"},
	Info:      lipgloss.AdaptiveColor{Light: "#2196F3", Dark: "#42A5F5"},
}

// Nord theme
var NordTheme = Theme{
	Name:      "nord",
	Primary:   lipgloss.AdaptiveColor{Light: "#5E81AC", Dark: "#81A1C1"},
	Secondary: lipgloss.AdaptiveColor{Light: "#88C0D0", Dark: "#88C0D0"},
	Text:      lipgloss.AdaptiveColor{Light: "#2E3440", Dark: "#D8DEE9"},
	TextDim:   lipgloss.AdaptiveColor{Light: "#4C566A", Dark: "#4C566A"},
	Success:   lipgloss.AdaptiveColor{Light: "#A3BE8C", Dark: "#A3BE8C"},
	Warning:   lipgloss.AdaptiveColor{Light: "#EBCB8B", Dark: "#EBCB8B"},
	Error:     lipgloss.AdaptiveColor{Light: "#BF616A", Dark: "#BF616A"},
	Info:      lipgloss.AdaptiveColor{Light: "#5E81AC", Dark: "#81A1C1"},
}

// GetTheme returns a theme by name
func GetTheme(name string) Theme {
	if strings.EqualFold(name, NordTheme.Name) {
		return NordTheme
	}
	return DefaultTheme
}

// Styles holds all the styles for the application
type Styles struct {
	Theme Theme

	Title     lipgloss.Style
	Label     lipgloss.Style
	Model     lipgloss.Style
	Reasoning lipgloss.Style
	Metrics   lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Hint      lipgloss.Style

	Loaded    lipgloss.Style
	NotLoaded lipgloss.Style
	Busy      lipgloss.Style // loading, unloading
}

// NewStyles creates a new styles instance with the given theme
func NewStyles(theme Theme) *Styles {
	s := &Styles{Theme: theme}

	s.Title = lipgloss.NewStyle().
		Foreground(theme.Primary).
		Bold(true)

	s.Label = lipgloss.NewStyle().
		Foreground(theme.TextDim)

	s.Model = lipgloss.NewStyle().
		Foreground(theme.Text).
		Bold(true)

	s.Reasoning = lipgloss.NewStyle().
		Foreground(theme.TextDim).
		Italic(true)

	s.Metrics = lipgloss.NewStyle().
		Foreground(theme.Info)

	s.Success = lipgloss.NewStyle().
		Foreground(theme.Success)

	s.Error = lipgloss.NewStyle().
		Foreground(theme.Error).
		Bold(true)

	s.Hint = lipgloss.NewStyle().
		Foreground(theme.Warning).
		Italic(true)

	s.Loaded = lipgloss.NewStyle().Foreground(theme.Success)
	s.NotLoaded = lipgloss.NewStyle().Foreground(theme.TextDim)
	s.Busy = lipgloss.NewStyle().Foreground(theme.Warning)

	return s
}

// Plain returns styles that render text unchanged, for pipes and files
func Plain() *Styles {
	p := lipgloss.NewStyle()
	return &Styles{
		Theme: DefaultTheme, Title: p, Label: p, Model: p, Reasoning: p, Metrics: p,
		Success: p, Error: p, Hint: p, Loaded: p, NotLoaded: p, Busy: p,
	}
}

// RenderState returns a styled residency marker
func (s *Styles) RenderState(state llm.LoadState) string {
	switch state {
	case llm.LoadStateLoaded:
		return s.Loaded.Render("● loaded")
	case llm.LoadStateLoading:
		return s.Busy.Render("◐ loading")
	case llm.LoadStateUnloading:
		return s.Busy.Render("◑ unloading")
	case llm.LoadStateNotLoaded:
		return s.NotLoaded.Render("○ not loaded")
	default:
		return s.NotLoaded.Render("? unknown")
	}
}

// RenderMetrics formats whatever metrics the backend reported
func (s *Styles) RenderMetrics(m *llm.Metrics) string {
	if m.Empty() {
		return ""
	}
	var parts []string
	if m.PromptTokens != nil {
		parts = append(parts, fmt.Sprintf("prompt %d tok", *m.PromptTokens))
	}
	if m.TokensGenerated != nil {
		parts = append(parts, fmt.Sprintf("generated %d tok", *m.TokensGenerated))
	}
	if m.TokensPerSecond != nil {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", *m.TokensPerSecond))
	}
	if m.TimeToFirstToken != nil {
		parts = append(parts, fmt.Sprintf("ttft %s", m.TimeToFirstToken.Round(time.Millisecond)))
	}
	if m.LoadDuration != nil {
		parts = append(parts, fmt.Sprintf("load %s", m.LoadDuration.Round(time.Millisecond)))
	}
	if m.Duration != nil {
		parts = append(parts, fmt.Sprintf("total %s", m.Duration.Round(time.Millisecond)))
	}
	return s.Metrics.Render(strings.Join(parts, " · "))
}

// RenderError formats err with the remediation hint for its kind
func (s *Styles) RenderError(err error) string {
	out := s.Error.Render("Error: ") + err.Error()
	if hint := llm.Remediation(err); hint != "" {
		out += "\n" + s.Hint.Render("hint: "+hint)
	}
	return out
}
