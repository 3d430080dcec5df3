// Package tui renders a reconciled entity view, either as a bubbletea
// program or as plain lines for pipes and logs.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/display"
	"github.com/basket/jobwatch/internal/reconcile"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const progressWidth = 30

// WatchOptions wires a view to its controller.
type WatchOptions struct {
	Initial reconcile.State
	Updates <-chan reconcile.State
	// Toasts carries bus events from the notify.toast topic.
	Toasts <-chan bus.Event
	// Refresh is called on the r key. Nil disables manual refresh.
	Refresh func(ctx context.Context) error
}

type (
	stateMsg   reconcile.State
	toastMsg   bus.Toast
	tickMsg    time.Time
	refreshMsg struct{ err error }
)

type model struct {
	ctx        context.Context
	state      reconcile.State
	feed       *ActivityFeed
	refresh    func(ctx context.Context) error
	frame      int
	refreshing bool
	refreshErr error
	now        func() time.Time
}

func newModel(ctx context.Context, opts WatchOptions) model {
	return model{
		ctx:     ctx,
		state:   opts.Initial,
		feed:    NewActivityFeed(),
		refresh: opts.Refresh,
		now:     time.Now,
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		case "r":
			if m.refresh == nil || m.refreshing {
				return m, nil
			}
			m.refreshing = true
			refresh, ctx := m.refresh, m.ctx
			return m, func() tea.Msg { return refreshMsg{err: refresh(ctx)} }
		}
	case stateMsg:
		m.state = reconcile.State(msg)
	case toastMsg:
		m.feed.AddToast(bus.Toast(msg), m.now())
	case refreshMsg:
		m.refreshing = false
		m.refreshErr = msg.err
	case tickMsg:
		m.frame = (m.frame + 1) % len(spinnerFrames)
		m.feed.CleanupOld(m.now(), 5*time.Minute)
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var b strings.Builder
	header := "jobwatch  " + m.state.Entity.String()
	if m.state.JobKind != "" {
		header += " [" + m.state.JobKind + "]"
	}
	b.WriteString(title.Render(header) + "\n\n")

	d := m.state.Display
	b.WriteString(display.Render(d) + "\n")
	switch {
	case d.Progress != nil:
		b.WriteString(display.ProgressBar(d, progressWidth) + fmt.Sprintf(" %3d%%", *d.Progress) + "\n")
	case d.IndeterminateProgress:
		b.WriteString(display.Style(d.Severity).Render(spinnerFrames[m.frame]) + " working\n")
	}
	if live := m.state.Live; live != nil {
		b.WriteString(dim.Render(fmt.Sprintf("task %s · %s · source %s", live.TaskID, live.Status, m.state.Effective.Source)) + "\n")
	}

	if err := m.lastError(); err != nil {
		b.WriteString(display.Style(display.SeverityError).Render("! "+humanError(err)) + "\n")
	}
	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}

	help := "q quit · a notifications"
	if m.refresh != nil {
		help = "r refresh · " + help
	}
	if m.refreshing {
		help = "refreshing… · " + help
	}
	b.WriteString("\n" + dim.Render(help) + "\n")
	return b.String()
}

func (m model) lastError() error {
	if m.refreshErr != nil {
		return m.refreshErr
	}
	return m.state.Err
}

// Run drives the interactive view until the user quits or ctx ends.
func Run(ctx context.Context, opts WatchOptions) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, opts), tea.WithContext(ctx))
	go forward(ctx, opts, p.Send)

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func forward(ctx context.Context, opts WatchOptions, send func(tea.Msg)) {
	updates, toasts := opts.Updates, opts.Toasts
	for updates != nil || toasts != nil {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			send(stateMsg(st))
		case ev, ok := <-toasts:
			if !ok {
				toasts = nil
				continue
			}
			if t, ok := ev.Payload.(bus.Toast); ok {
				send(toastMsg(t))
			}
		}
	}
}
