// Package feed turns the push channel into store upserts: it decodes and
// validates raw event messages, publishes them on the bus, and runs the
// websocket and redis sources that deliver them.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/jobwatch/internal/taskstatus"
)

const eventSchemaURL = "https://jobwatch.local/schemas/task-status-event.json"

// EventSchema is the JSON Schema every pushed message must satisfy before
// it is parsed.
const EventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "entity_type", "entity_id", "status", "timestamp"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "entity_type": {"type": "string", "minLength": 1},
    "entity_id": {
      "anyOf": [
        {"type": "string", "minLength": 1},
        {"type": "integer", "minimum": 0}
      ]
    },
    "job_kind": {"type": ["string", "null"]},
    "status": {"type": "string", "minLength": 1},
    "status_message": {"type": ["string", "null"]},
    "progress": {
      "anyOf": [
        {"type": "null"},
        {"type": "number", "minimum": 0, "maximum": 100}
      ]
    },
    "timestamp": {"type": "number", "minimum": 0}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(EventSchema))
	if err != nil {
		panic(fmt.Sprintf("feed: unmarshal event schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("feed: add event schema: %v", err))
	}
	sch, err := c.Compile(eventSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("feed: compile event schema: %v", err))
	}
	return sch
}

type wireEvent struct {
	TaskID        string          `json:"task_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      json.RawMessage `json:"entity_id"`
	JobKind       *string         `json:"job_kind"`
	Status        string          `json:"status"`
	StatusMessage *string         `json:"status_message"`
	Progress      *float64        `json:"progress"`
	Timestamp     json.Number     `json:"timestamp"`
}

// Decode validates raw against EventSchema and parses it into an Event.
// Status tags are matched case-insensitively with broker aliases, and
// entity_id may be a string or a number. Every error wraps
// taskstatus.ErrMalformedEvent.
func Decode(raw []byte) (taskstatus.Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return taskstatus.Event{}, fmt.Errorf("%w: invalid json: %v", taskstatus.ErrMalformedEvent, err)
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return taskstatus.Event{}, fmt.Errorf("%w: %v", taskstatus.ErrMalformedEvent, err)
	}

	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return taskstatus.Event{}, fmt.Errorf("%w: %v", taskstatus.ErrMalformedEvent, err)
	}

	status, err := taskstatus.ParseStatus(w.Status)
	if err != nil {
		return taskstatus.Event{}, fmt.Errorf("%w: %v", taskstatus.ErrMalformedEvent, err)
	}
	entityType, err := taskstatus.ParseEntityType(w.EntityType)
	if err != nil {
		return taskstatus.Event{}, fmt.Errorf("%w: %v", taskstatus.ErrMalformedEvent, err)
	}
	entityID, err := parseEntityID(w.EntityID)
	if err != nil {
		return taskstatus.Event{}, err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return taskstatus.Event{}, err
	}

	ev := taskstatus.Event{
		TaskID:     strings.TrimSpace(w.TaskID),
		EntityType: entityType,
		EntityID:   entityID,
		Status:     status,
		Timestamp:  ts,
	}
	if w.JobKind != nil {
		ev.JobKind = strings.TrimSpace(*w.JobKind)
	}
	if w.StatusMessage != nil {
		ev.StatusMessage = *w.StatusMessage
	}
	if w.Progress != nil {
		ev.Progress = taskstatus.ProgressOf(int(math.Round(*w.Progress)))
	}
	if err := ev.Validate(); err != nil {
		return taskstatus.Event{}, err
	}
	return ev, nil
}

func parseEntityID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := n.Int64(); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("%w: entity_id %s is neither a string nor an integer", taskstatus.ErrMalformedEvent, string(raw))
}

// parseTimestamp reads epoch milliseconds. Fractional values are truncated.
func parseTimestamp(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f > math.MaxInt64 {
		return 0, fmt.Errorf("%w: timestamp %q is not epoch milliseconds", taskstatus.ErrMalformedEvent, n.String())
	}
	return int64(f), nil
}

// Encode renders ev in the wire format Decode accepts.
func Encode(ev taskstatus.Event) ([]byte, error) {
	return json.Marshal(ev)
}
