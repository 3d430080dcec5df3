// Package display turns an effective status into what a user sees: a label,
// a severity and whether progress is indeterminate.
package display

import (
	"fmt"
	"strings"

	"github.com/basket/jobwatch/internal/taskstatus"
)

// Severity is the visual weight of a status.
type Severity string

const (
	SeverityNeutral Severity = "neutral"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Display is the projected, render-ready status.
type Display struct {
	Label    string   `json:"label"`
	Severity Severity `json:"severity"`
	// Progress is the percentage to draw when known.
	Progress *int `json:"progress,omitempty"`
	// IndeterminateProgress is set for in-flight work without a percentage.
	IndeterminateProgress bool `json:"indeterminate_progress"`
}

// Project maps an effective status to its display form. It is pure.
func Project(eff taskstatus.EffectiveStatus) Display {
	msg := strings.TrimSpace(eff.Message)
	switch eff.Status {
	case taskstatus.StatusPending:
		return Display{
			Label:                 orDefault(msg, "Pending"),
			Severity:              SeverityInfo,
			IndeterminateProgress: eff.Progress == nil,
			Progress:              copyProgress(eff.Progress),
		}
	case taskstatus.StatusRunning:
		label := orDefault(msg, "Running")
		if eff.Progress != nil {
			label = fmt.Sprintf("%s (%d%%)", label, *eff.Progress)
		}
		return Display{
			Label:                 label,
			Severity:              SeverityInfo,
			IndeterminateProgress: eff.Progress == nil,
			Progress:              copyProgress(eff.Progress),
		}
	case taskstatus.StatusSuccess:
		return Display{Label: orDefault(msg, "Ready"), Severity: SeveritySuccess}
	case taskstatus.StatusFailed:
		return Display{Label: prefixed("Failed", msg), Severity: SeverityError}
	case taskstatus.StatusRevoked:
		return Display{Label: prefixed("Cancelled", msg), Severity: SeverityError}
	default:
		return Display{Label: orDefault(msg, "Unknown"), Severity: SeverityNeutral}
	}
}

// prefixed renders "Failed: reason", collapsing to the bare prefix when the
// message is empty or only repeats it.
func prefixed(prefix, msg string) string {
	if msg == "" || strings.EqualFold(msg, prefix) {
		return prefix
	}
	return prefix + ": " + msg
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func copyProgress(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
