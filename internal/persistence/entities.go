package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// ErrEntityNotFound is returned when no row matches.
var ErrEntityNotFound = errors.New("entity not found")

// Entity is a dashboard resource with its own persisted status.
type Entity struct {
	Type          taskstatus.EntityType `json:"entity_type"`
	ID            string                `json:"entity_id"`
	Status        string                `json:"status"`
	StatusMessage string                `json:"status_message,omitempty"`
	Fields        map[string]any        `json:"fields,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// UpsertEntity creates or replaces the status of an entity and announces it
// on the snapshot.changed topic.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (Entity, error) {
	if _, err := taskstatus.ParseEntityType(string(e.Type)); err != nil {
		return Entity{}, err
	}
	if strings.TrimSpace(e.ID) == "" {
		return Entity{}, errors.New("entity id is required")
	}
	if strings.TrimSpace(e.Status) == "" {
		return Entity{}, errors.New("entity status is required")
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return Entity{}, fmt.Errorf("encode fields: %w", err)
	}

	now := s.now().UTC()
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entities (entity_type, entity_id, status, status_message, fields_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id) DO UPDATE SET
				status = excluded.status,
				status_message = excluded.status_message,
				fields_json = excluded.fields_json,
				updated_at = excluded.updated_at;
		`, string(e.Type), e.ID, e.Status, e.StatusMessage, string(fieldsJSON), now, now)
		return err
	})
	if err != nil {
		return Entity{}, fmt.Errorf("upsert entity %s/%s: %w", e.Type, e.ID, err)
	}

	saved, err := s.GetEntity(ctx, e.Type, e.ID)
	if err != nil {
		return Entity{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSnapshotChanged, bus.SnapshotChanged{
			EntityType: saved.Type,
			EntityID:   saved.ID,
			Status:     saved.Status,
		})
	}
	return saved, nil
}

// GetEntity returns one entity or ErrEntityNotFound.
func (s *Store) GetEntity(ctx context.Context, entityType taskstatus.EntityType, entityID string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, status, status_message, fields_json, created_at, updated_at
		FROM entities WHERE entity_type = ? AND entity_id = ?;
	`, string(entityType), entityID)
	e, err := scanEntity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("%s/%s: %w", entityType, entityID, ErrEntityNotFound)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get entity %s/%s: %w", entityType, entityID, err)
	}
	return e, nil
}

// ListEntities returns entities of one type, or of every type when
// entityType is empty, most recently updated first.
func (s *Store) ListEntities(ctx context.Context, entityType taskstatus.EntityType, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT entity_type, entity_id, status, status_message, fields_json, created_at, updated_at
		FROM entities`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, string(entityType))
	}
	query += ` ORDER BY updated_at DESC, entity_type, entity_id LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(scan func(dest ...any) error) (Entity, error) {
	var (
		e          Entity
		entityType string
		fieldsJSON string
	)
	if err := scan(&entityType, &e.ID, &e.Status, &e.StatusMessage, &fieldsJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entity{}, err
	}
	e.Type = taskstatus.EntityType(entityType)
	if fieldsJSON != "" && fieldsJSON != "{}" {
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return Entity{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return e, nil
}
