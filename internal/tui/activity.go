package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/display"
)

// ActivityItem is one terminal-transition toast shown under the status line.
type ActivityItem struct {
	ID       string
	Severity display.Severity
	Message  string
	At       time.Time
}

// ActivityFeed keeps the most recent toasts.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10}
}

// AddToast records a toast raised by a terminal transition.
func (f *ActivityFeed) AddToast(t bus.Toast, at time.Time) {
	f.Add(ActivityItem{
		ID:       t.TaskID + ":" + string(t.Status),
		Severity: display.Severity(t.Severity),
		Message:  fmt.Sprintf("%s/%s %s", t.EntityType, t.EntityID, t.Label),
		At:       at,
	})
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.ID != "" && it.ID == item.ID {
			return
		}
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops toasts older than maxAge and returns how many went.
func (f *ActivityFeed) CleanupOld(now time.Time, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if now.Sub(it.At) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d notifications (a to expand) ──", len(f.items))) + "\n"
	}

	var out strings.Builder
	out.WriteString(dim.Render("── Notifications (a to collapse) ──") + "\n")
	for i := len(f.items) - 1; i >= 0; i-- {
		it := f.items[i]
		line := display.Style(it.Severity).Render(display.Icon(it.Severity)) + " " + it.Message
		line += dim.Render(" " + it.At.Format("15:04:05"))
		out.WriteString(line + "\n")
	}
	return out.String()
}
