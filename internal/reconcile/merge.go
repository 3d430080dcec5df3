// Package reconcile merges the live task stream with entity snapshots into a
// single effective status and drives the per-view reconciliation loop.
package reconcile

import (
	"maps"
	"strings"

	"github.com/basket/jobwatch/internal/taskstatus"
)

// Classifier maps an entity's domain status string ("ready", "generating")
// onto the task status vocabulary.
type Classifier struct {
	table map[string]taskstatus.Status
}

var defaultTable = map[string]taskstatus.Status{
	"ready":     taskstatus.StatusSuccess,
	"completed": taskstatus.StatusSuccess,
	"complete":  taskstatus.StatusSuccess,
	"succeeded": taskstatus.StatusSuccess,
	"success":   taskstatus.StatusSuccess,
	"done":      taskstatus.StatusSuccess,
	"failed":    taskstatus.StatusFailed,
	"failure":   taskstatus.StatusFailed,
	"error":     taskstatus.StatusFailed,
	"errored":   taskstatus.StatusFailed,
	"cancelled": taskstatus.StatusRevoked,
	"canceled":  taskstatus.StatusRevoked,
	"revoked":   taskstatus.StatusRevoked,
	"pending":   taskstatus.StatusPending,
	"queued":    taskstatus.StatusPending,
	"created":   taskstatus.StatusPending,
}

// DefaultClassifier uses the built-in table.
var DefaultClassifier = Classifier{table: defaultTable}

// NewClassifier returns the default table with overrides applied. Override
// keys are matched case-insensitively; values are parsed with
// taskstatus.ParseStatus and invalid ones are returned as an error.
func NewClassifier(overrides map[string]string) (Classifier, error) {
	table := maps.Clone(defaultTable)
	for raw, tag := range overrides {
		st, err := taskstatus.ParseStatus(tag)
		if err != nil {
			return Classifier{}, err
		}
		table[normalizeDomain(raw)] = st
	}
	return Classifier{table: table}, nil
}

// Classify returns the status for a domain string. Empty input is
// StatusUnknown; any other unlisted value means work is in progress.
func (c Classifier) Classify(domain string) taskstatus.Status {
	key := normalizeDomain(domain)
	if key == "" {
		return taskstatus.StatusUnknown
	}
	table := c.table
	if table == nil {
		table = defaultTable
	}
	if st, ok := table[key]; ok {
		return st
	}
	return taskstatus.StatusRunning
}

func normalizeDomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Merger computes effective statuses with a fixed classifier.
type Merger struct {
	Classifier Classifier
}

// Merge applies the precedence rules with the default classifier.
func Merge(live *taskstatus.Event, snap taskstatus.Snapshot) taskstatus.EffectiveStatus {
	return Merger{Classifier: DefaultClassifier}.Merge(live, snap)
}

// Merge returns the status a view should display.
//
// Without a live task the snapshot is authoritative. A non-terminal live task
// overrides the snapshot, since the snapshot may lag the worker. A terminal
// live task keeps its status and borrows the snapshot's message and, when
// the snapshot already agrees, its fields.
func (m Merger) Merge(live *taskstatus.Event, snap taskstatus.Snapshot) taskstatus.EffectiveStatus {
	if live == nil {
		return m.fromSnapshot(snap)
	}

	eff := taskstatus.EffectiveStatus{
		Source: taskstatus.SourceLive,
		Status: live.Status,
		TaskID: live.TaskID,
	}
	switch live.Status {
	case taskstatus.StatusPending, taskstatus.StatusRunning:
		eff.Message = live.StatusMessage
		if live.Progress != nil {
			p := *live.Progress
			eff.Progress = &p
		}
	case taskstatus.StatusSuccess, taskstatus.StatusFailed, taskstatus.StatusRevoked:
		eff.Message = firstNonEmpty(live.StatusMessage, snap.StatusMessage, live.Status.CanonicalMessage())
		if m.Classifier.Classify(snap.Status) == live.Status && len(snap.Fields) > 0 {
			eff.Fields = maps.Clone(snap.Fields)
		}
	default:
		// StatusUnknown or an unvalidated tag; treat as no live task.
		return m.fromSnapshot(snap)
	}
	return eff
}

func (m Merger) fromSnapshot(snap taskstatus.Snapshot) taskstatus.EffectiveStatus {
	st := m.Classifier.Classify(snap.Status)
	eff := taskstatus.EffectiveStatus{
		Source:  taskstatus.SourceSnapshot,
		Status:  st,
		Message: snap.StatusMessage,
	}
	if eff.Message == "" && st.Terminal() {
		eff.Message = st.CanonicalMessage()
	}
	if len(snap.Fields) > 0 {
		eff.Fields = maps.Clone(snap.Fields)
	}
	return eff
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
