package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/jobwatch/internal/display"
	"github.com/basket/jobwatch/internal/reconcile"
	"github.com/basket/jobwatch/internal/statusstore"
	"github.com/basket/jobwatch/internal/taskstatus"
)

func TestProjectStates_UsesLiveTaskAndSnapshot(t *testing.T) {
	tasks := statusstore.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tasks.Upsert(taskstatus.Event{
		TaskID:     "t1",
		EntityType: taskstatus.EntityDataset,
		EntityID:   "7",
		Status:     taskstatus.StatusRunning,
		Progress:   taskstatus.ProgressOf(40),
		Timestamp:  100,
	})
	opts := listOptions{refs: []taskstatus.EntityRef{
		{Type: taskstatus.EntityDataset, ID: "7"},
		{Type: taskstatus.EntityDataset, ID: "8"},
		{Type: taskstatus.EntityDataset, ID: "9"},
	}}
	snaps := []fetchResult{
		{snap: taskstatus.Snapshot{Status: "ready"}},
		{snap: taskstatus.Snapshot{Status: "ready"}},
		{err: errors.New("entity not found")},
	}

	states := projectStates(tasks, reconcile.DefaultClassifier, opts, snaps)
	if len(states) != 3 {
		t.Fatalf("states = %d, want 3", len(states))
	}
	if eff := states[0].Effective; eff.Status != taskstatus.StatusRunning || eff.Source != taskstatus.SourceLive {
		t.Fatalf("entity 7 effective = %+v, want live RUNNING", eff)
	}
	if states[0].Live == nil || states[0].Live.TaskID != "t1" {
		t.Fatalf("entity 7 live = %+v", states[0].Live)
	}
	if eff := states[1].Effective; eff.Status != taskstatus.StatusSuccess || eff.Source != taskstatus.SourceSnapshot {
		t.Fatalf("entity 8 effective = %+v, want snapshot SUCCESS", eff)
	}
	if states[1].Display.Severity != display.SeveritySuccess {
		t.Fatalf("entity 8 severity = %q", states[1].Display.Severity)
	}
	if states[2].Err == nil {
		t.Fatal("entity 9 should carry the fetch error")
	}
	if tasks.SubscriberCount() != 0 {
		t.Fatal("list projection subscribed to the store")
	}

	var out bytes.Buffer
	if code := printStates(&out, states); code != 1 {
		t.Fatalf("printStates = %d, want 1", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "40%") || !strings.Contains(lines[0], "task t1") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[2], "error:") {
		t.Fatalf("line 2 = %q", lines[2])
	}
}
