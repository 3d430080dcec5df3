package taskstatus

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// ErrMalformedEvent wraps every validation failure of a pushed event.
var ErrMalformedEvent = errors.New("malformed task status event")

// Event is one status report for a job run as delivered by the push channel.
// Events are values; the store keeps private copies and never mutates them.
type Event struct {
	TaskID        string     `json:"task_id"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	JobKind       string     `json:"job_kind,omitempty"`
	Status        Status     `json:"status"`
	StatusMessage string     `json:"status_message,omitempty"`
	Progress      *int       `json:"progress,omitempty"`
	// Timestamp is epoch milliseconds as stamped by the producer.
	Timestamp int64 `json:"timestamp"`
}

// ProgressOf returns a pointer to n for building events with progress.
func ProgressOf(n int) *int { return &n }

// Key returns the identity the store files the event under.
func (e Event) Key() Key {
	return Key{EntityType: e.EntityType, EntityID: e.EntityID, JobKind: e.JobKind}
}

// Entity returns the resource the event belongs to.
func (e Event) Entity() EntityRef {
	return EntityRef{Type: e.EntityType, ID: e.EntityID}
}

// Time converts Timestamp to a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Clone returns a copy that shares no memory with e.
func (e Event) Clone() Event {
	if e.Progress != nil {
		p := *e.Progress
		e.Progress = &p
	}
	return e
}

// Validate checks the required fields and ranges. Every error wraps
// ErrMalformedEvent.
func (e Event) Validate() error {
	var problems []string
	if strings.TrimSpace(e.TaskID) == "" {
		problems = append(problems, "task_id is required")
	}
	if _, err := ParseEntityType(string(e.EntityType)); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(e.EntityID) == "" {
		problems = append(problems, "entity_id is required")
	}
	if !e.Status.Valid() {
		problems = append(problems, fmt.Sprintf("%v: %q", ErrUnknownStatus, string(e.Status)))
	}
	if e.Progress != nil && (*e.Progress < 0 || *e.Progress > 100) {
		problems = append(problems, fmt.Sprintf("progress %d out of range 0-100", *e.Progress))
	}
	if e.Timestamp < 0 {
		problems = append(problems, "timestamp must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, strings.Join(problems, "; "))
	}
	return nil
}

// Key identifies a job slot: an entity plus an optional job kind narrowing it
// to one purpose (e.g. dataset_generation vs feature_extraction).
type Key struct {
	EntityType EntityType
	EntityID   string
	JobKind    string
}

// Entity drops the job kind.
func (k Key) Entity() EntityRef {
	return EntityRef{Type: k.EntityType, ID: k.EntityID}
}

func (k Key) String() string {
	if k.JobKind == "" {
		return fmt.Sprintf("%s/%s", k.EntityType, k.EntityID)
	}
	return fmt.Sprintf("%s/%s#%s", k.EntityType, k.EntityID, k.JobKind)
}

// EntityRef identifies a dashboard resource.
type EntityRef struct {
	Type EntityType
	ID   string
}

func (r EntityRef) String() string { return fmt.Sprintf("%s/%s", r.Type, r.ID) }

// Snapshot is a point-in-time read of an entity's own persisted status.
// Status is the resource's domain string ("ready", "generating", ...), not a
// Status tag.
type Snapshot struct {
	Status        string         `json:"status"`
	StatusMessage string         `json:"status_message,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	FetchedAt     time.Time      `json:"fetched_at"`
}

// IsZero reports whether no snapshot has been fetched.
func (s Snapshot) IsZero() bool {
	return s.Status == "" && s.StatusMessage == "" && len(s.Fields) == 0 && s.FetchedAt.IsZero()
}

// Source says which view an EffectiveStatus was derived from.
type Source string

const (
	SourceLive     Source = "live"
	SourceSnapshot Source = "snapshot"
)

// EffectiveStatus is the single status a view displays after merging the
// live task with the snapshot. It is recomputed on every pass.
type EffectiveStatus struct {
	Source   Source         `json:"source"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Progress *int           `json:"progress,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	// TaskID is set when Source is live.
	TaskID string `json:"task_id,omitempty"`
}

// Clone returns a deep enough copy for handing across goroutines.
func (e EffectiveStatus) Clone() EffectiveStatus {
	if e.Progress != nil {
		p := *e.Progress
		e.Progress = &p
	}
	if e.Fields != nil {
		e.Fields = maps.Clone(e.Fields)
	}
	return e
}
