package tui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/display"
	"github.com/basket/jobwatch/internal/reconcile"
	"github.com/basket/jobwatch/internal/taskstatus"
)

func runningState(progress *int) reconcile.State {
	live := &taskstatus.Event{TaskID: "a", EntityType: taskstatus.EntityDataset, EntityID: "7", Status: taskstatus.StatusRunning, Progress: progress, Timestamp: 1}
	eff := reconcile.Merge(live, taskstatus.Snapshot{})
	return reconcile.State{
		Entity:    taskstatus.EntityRef{Type: taskstatus.EntityDataset, ID: "7"},
		Live:      live,
		Effective: eff,
		Display:   display.Project(eff),
	}
}

func readyState() reconcile.State {
	eff := reconcile.Merge(nil, taskstatus.Snapshot{Status: "ready"})
	return reconcile.State{
		Entity:    taskstatus.EntityRef{Type: taskstatus.EntityDataset, ID: "7"},
		Effective: eff,
		Display:   display.Project(eff),
	}
}

func TestView_ProgressAndSpinner(t *testing.T) {
	m := newModel(context.Background(), WatchOptions{Initial: runningState(taskstatus.ProgressOf(40))})
	view := m.View()
	for _, want := range []string{"Dataset/7", "Running (40%)", " 40%", "task a"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "r refresh") {
		t.Error("refresh hint shown without a refresh func")
	}

	m = newModel(context.Background(), WatchOptions{Initial: runningState(nil)})
	if !strings.Contains(m.View(), "working") {
		t.Errorf("indeterminate view should show the spinner:\n%s", m.View())
	}
}

func TestUpdate_StateToastAndQuit(t *testing.T) {
	m := newModel(context.Background(), WatchOptions{Initial: runningState(nil)})

	next, _ := m.Update(stateMsg(readyState()))
	m = next.(model)
	if !strings.Contains(m.View(), "Ready") {
		t.Fatalf("state update not rendered:\n%s", m.View())
	}

	next, _ = m.Update(toastMsg(bus.Toast{EntityType: taskstatus.EntityDataset, EntityID: "7", TaskID: "a", Status: taskstatus.StatusSuccess, Label: "Ready", Severity: "success"}))
	m = next.(model)
	if m.feed.Len() != 1 || !strings.Contains(m.View(), "Notifications") {
		t.Fatalf("toast not shown:\n%s", m.View())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should produce a quit message")
	}
}

func TestUpdate_ManualRefresh(t *testing.T) {
	calls := 0
	m := newModel(context.Background(), WatchOptions{
		Initial: readyState(),
		Refresh: func(context.Context) error {
			calls++
			return errors.New("fetch Dataset/7: connection refused")
		},
	})
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(model)
	if cmd == nil || !m.refreshing {
		t.Fatal("r should start a refresh")
	}
	if _, again := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")}); again != nil {
		t.Fatal("second r while refreshing should be ignored")
	}

	next, _ = m.Update(cmd())
	m = next.(model)
	if calls != 1 || m.refreshing {
		t.Fatalf("calls=%d refreshing=%v", calls, m.refreshing)
	}
	if !strings.Contains(m.View(), "Connection refused") {
		t.Fatalf("refresh error not rendered:\n%s", m.View())
	}
}

func TestTick_AdvancesSpinner(t *testing.T) {
	m := newModel(context.Background(), WatchOptions{Initial: runningState(nil)})
	next, cmd := m.Update(tickMsg(time.Now()))
	if next.(model).frame != 1 || cmd == nil {
		t.Fatal("tick should advance the spinner and reschedule")
	}
}

func TestRunPlain_PrintsChangesAndToasts(t *testing.T) {
	updates := make(chan reconcile.State, 4)
	toasts := make(chan bus.Event, 1)
	updates <- runningState(nil)
	updates <- runningState(nil)
	toasts <- bus.Event{Topic: bus.TopicNotifyToast, Payload: bus.Toast{EntityType: taskstatus.EntityDataset, EntityID: "7", Label: "Ready", Severity: "success"}}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- RunPlain(ctx, &out, WatchOptions{Initial: readyState(), Updates: updates, Toasts: toasts}) }()

	time.Sleep(100 * time.Millisecond)
	close(updates)
	if err := <-done; err != nil {
		t.Fatalf("RunPlain: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	running := 0
	for _, l := range lines {
		if strings.Contains(l, "Running") {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("duplicate states should print once, got %d:\n%s", running, out.String())
	}
	if !strings.Contains(out.String(), "notify Dataset/7") {
		t.Fatalf("toast not printed:\n%s", out.String())
	}
}

func TestFormatLine(t *testing.T) {
	st := readyState()
	st.JobKind = "dataset_generation"
	st.Err = errors.New("fetch: boom")
	line := FormatLine(st)
	for _, want := range []string{"Dataset/7", "[dataset_generation]", "Ready", "error: Boom"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}
