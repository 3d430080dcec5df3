package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/taskstatus"
)

func TestActivityFeed_AddDedupesAndCaps(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	now := time.Now()
	toast := bus.Toast{EntityType: taskstatus.EntityModel, EntityID: "m", TaskID: "t", Status: taskstatus.StatusFailed, Label: "Failed: oom", Severity: "error"}
	f.AddToast(toast, now)
	f.AddToast(toast, now)
	if f.Len() != 1 {
		t.Fatalf("duplicate toast kept, len=%d", f.Len())
	}
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{ID: string(rune('a' + i)), At: now})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
}

func TestActivityFeed_CleanupOld(t *testing.T) {
	f := NewActivityFeed()
	now := time.Now()
	f.Add(ActivityItem{ID: "old", At: now.Add(-10 * time.Minute)})
	f.Add(ActivityItem{ID: "new", At: now})
	if removed := f.CleanupOld(now, 5*time.Minute); removed != 1 {
		t.Fatalf("removed %d", removed)
	}
	if f.Len() != 1 {
		t.Fatalf("len %d", f.Len())
	}
}

func TestActivityFeed_ViewCollapse(t *testing.T) {
	f := NewActivityFeed()
	if f.View() != "" {
		t.Fatal("empty feed should render nothing")
	}
	f.Add(ActivityItem{ID: "1", Message: "Dataset/7 Ready", At: time.Now()})
	if !strings.Contains(f.View(), "Dataset/7 Ready") {
		t.Fatalf("expanded view missing message: %q", f.View())
	}
	f.Toggle()
	if !strings.Contains(f.View(), "1 notifications") {
		t.Fatalf("collapsed view: %q", f.View())
	}
}

func TestHumanError(t *testing.T) {
	if humanError(nil) != "" {
		t.Fatal("nil error should render empty")
	}
	if got := humanError(errSimple("plain")); got != "plain" {
		t.Fatalf("got %q", got)
	}
}

type errSimple string

func (e errSimple) Error() string { return string(e) }
