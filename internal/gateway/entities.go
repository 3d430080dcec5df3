package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/jobwatch/internal/audit"
	"github.com/basket/jobwatch/internal/persistence"
	"github.com/basket/jobwatch/internal/shared"
	"github.com/basket/jobwatch/internal/snapshot"
	"github.com/basket/jobwatch/internal/taskstatus"
)

type putEntityRequest struct {
	Status        string         `json:"status"`
	StatusMessage string         `json:"status_message"`
	Fields        map[string]any `json:"fields"`
}

func toDocument(e persistence.Entity) snapshot.Document {
	return snapshot.Document{
		EntityType:    e.Type,
		EntityID:      e.ID,
		Status:        e.Status,
		StatusMessage: e.StatusMessage,
		Fields:        e.Fields,
		UpdatedAt:     e.UpdatedAt,
	}
}

func (s *Server) entityStore(w http.ResponseWriter) (*persistence.Store, bool) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "entity store not configured")
		return nil, false
	}
	return s.cfg.Store, true
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	store, ok := s.entityStore(w)
	if !ok {
		return
	}
	entityType, err := taskstatus.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := store.GetEntity(r.Context(), entityType, r.PathValue("id"))
	if errors.Is(err, persistence.ErrEntityNotFound) {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		s.logger.Error("get entity", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toDocument(e))
}

func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	store, ok := s.entityStore(w)
	if !ok {
		return
	}
	entityType, err := taskstatus.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req putEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	saved, err := store.UpsertEntity(r.Context(), persistence.Entity{
		Type:          entityType,
		ID:            r.PathValue("id"),
		Status:        req.Status,
		StatusMessage: req.StatusMessage,
		Fields:        req.Fields,
	})
	if err != nil {
		s.logger.Error("put entity", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	ref := saved.Type.String() + "/" + saved.ID
	audit.Record("allow", "entity.write", "status="+saved.Status, ref, shared.TraceID(r.Context()))
	s.logger.InfoContext(r.Context(), "entity updated", "entity", ref, "status", saved.Status)
	writeJSON(w, http.StatusOK, toDocument(saved))
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	store, ok := s.entityStore(w)
	if !ok {
		return
	}
	var entityType taskstatus.EntityType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := taskstatus.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entityType = t
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entities, err := store.ListEntities(r.Context(), entityType, limit)
	if err != nil {
		s.logger.Error("list entities", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	docs := make([]snapshot.Document, 0, len(entities))
	for _, e := range entities {
		docs = append(docs, toDocument(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": docs, "total": len(docs)})
}
