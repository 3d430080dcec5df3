package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/jobwatch/internal/taskstatus"
)

// SaveLatestEvent records ev as the latest event for its job slot. Callers
// save only events the in-memory store applied, so the table mirrors it.
func (s *Store) SaveLatestEvent(ctx context.Context, ev taskstatus.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	var progress sql.NullInt64
	if ev.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*ev.Progress), Valid: true}
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO latest_events (entity_type, entity_id, job_kind, task_id, status, status_message, progress, event_ts, saved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id, job_kind) DO UPDATE SET
				task_id = excluded.task_id,
				status = excluded.status,
				status_message = excluded.status_message,
				progress = excluded.progress,
				event_ts = excluded.event_ts,
				saved_at = excluded.saved_at;
		`, string(ev.EntityType), ev.EntityID, ev.JobKind, ev.TaskID, string(ev.Status),
			ev.StatusMessage, progress, ev.Timestamp, s.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("save latest event %s: %w", ev.Key(), err)
	}
	return nil
}

// LoadLatestEvents returns every saved event ordered by event timestamp so
// replaying them into an empty store reproduces its state.
func (s *Store) LoadLatestEvents(ctx context.Context) ([]taskstatus.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, job_kind, task_id, status, status_message, progress, event_ts
		FROM latest_events
		ORDER BY event_ts, entity_type, entity_id, job_kind;
	`)
	if err != nil {
		return nil, fmt.Errorf("load latest events: %w", err)
	}
	defer rows.Close()

	var out []taskstatus.Event
	for rows.Next() {
		var (
			ev         taskstatus.Event
			entityType string
			status     string
			progress   sql.NullInt64
		)
		if err := rows.Scan(&entityType, &ev.EntityID, &ev.JobKind, &ev.TaskID, &status, &ev.StatusMessage, &progress, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan latest event: %w", err)
		}
		ev.EntityType = taskstatus.EntityType(entityType)
		ev.Status = taskstatus.Status(status)
		if progress.Valid {
			ev.Progress = taskstatus.ProgressOf(int(progress.Int64))
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
