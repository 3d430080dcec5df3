package display

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	neutralStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	trackStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// Style returns the lipgloss style for a severity.
func Style(s Severity) lipgloss.Style {
	switch s {
	case SeverityInfo:
		return infoStyle
	case SeveritySuccess:
		return successStyle
	case SeverityError:
		return errorStyle
	default:
		return neutralStyle
	}
}

// Icon is a one-rune marker per severity for plain output.
func Icon(s Severity) string {
	switch s {
	case SeverityInfo:
		return "●"
	case SeveritySuccess:
		return "✔"
	case SeverityError:
		return "✖"
	default:
		return "○"
	}
}

// Render returns d as a single styled line.
func Render(d Display) string {
	return Style(d.Severity).Render(Icon(d.Severity) + " " + d.Label)
}

// ProgressBar draws a width-cell bar for d. It returns "" when d carries no
// numeric progress.
func ProgressBar(d Display, width int) string {
	if d.Progress == nil || width <= 0 {
		return ""
	}
	pct := *d.Progress
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := width * pct / 100
	return barStyle.Render(strings.Repeat("█", filled)) + trackStyle.Render(strings.Repeat("░", width-filled))
}
