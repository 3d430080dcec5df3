package tui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/display"
	"github.com/basket/jobwatch/internal/reconcile"
)

// FormatLine renders st as one plain line without styling.
func FormatLine(st reconcile.State) string {
	line := fmt.Sprintf("%s %s %s", st.Entity, display.Icon(st.Display.Severity), st.Display.Label)
	if st.JobKind != "" {
		line = fmt.Sprintf("%s [%s] %s %s", st.Entity, st.JobKind, display.Icon(st.Display.Severity), st.Display.Label)
	}
	if st.Live != nil {
		line += fmt.Sprintf(" (task %s)", st.Live.TaskID)
	}
	if st.Err != nil {
		line += " error: " + humanError(st.Err)
	}
	return line
}

// RunPlain prints one timestamped line per visible state change and per
// toast until ctx ends or updates closes.
func RunPlain(ctx context.Context, w io.Writer, opts WatchOptions) error {
	now := time.Now
	last := FormatLine(opts.Initial)
	fmt.Fprintf(w, "%s %s\n", now().Format(time.RFC3339), last)

	updates, toasts := opts.Updates, opts.Toasts
	for updates != nil {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			line := FormatLine(st)
			if line == last {
				continue
			}
			last = line
			fmt.Fprintf(w, "%s %s\n", now().Format(time.RFC3339), line)
		case ev, ok := <-toasts:
			if !ok {
				toasts = nil
				continue
			}
			if t, ok := ev.Payload.(bus.Toast); ok {
				fmt.Fprintf(w, "%s notify %s/%s %s %s\n", now().Format(time.RFC3339),
					t.EntityType, t.EntityID, display.Icon(display.Severity(t.Severity)), t.Label)
			}
		}
	}
	return nil
}
