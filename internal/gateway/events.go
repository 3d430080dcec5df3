package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/basket/jobwatch/internal/feed"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// handleIngestEvent accepts one task status event. Accepted events are
// applied, persisted and broadcast asynchronously by Run. A 202 means the
// store pump holds the event; when it has no room within IngestTimeout the
// answer is 503 and the caller should retry.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.IngestTimeout)
	defer cancel()
	if err := s.ingestor.Ingest(ctx, "http", body); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, taskstatus.ErrMalformedEvent):
			status = http.StatusBadRequest
		case errors.Is(err, feed.ErrNotDelivered):
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleListTasks lists the latest event per job slot, optionally filtered
// by entity_type, entity_id and status.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		entityType taskstatus.EntityType
		status     taskstatus.Status
	)
	if raw := q.Get("entity_type"); raw != "" {
		t, err := taskstatus.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entityType = t
	}
	if raw := q.Get("status"); raw != "" {
		st, err := taskstatus.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	entityID := q.Get("entity_id")
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks := []taskstatus.Event{}
	for _, ev := range s.cfg.Tasks.Entries() {
		if entityType != "" && ev.EntityType != entityType {
			continue
		}
		if entityID != "" && ev.EntityID != entityID {
			continue
		}
		if status != taskstatus.StatusUnknown && ev.Status != status {
			continue
		}
		tasks = append(tasks, ev)
	}
	total := len(tasks)
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}
