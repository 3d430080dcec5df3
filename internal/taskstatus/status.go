// Package taskstatus defines the status vocabulary shared by every part of
// jobwatch: the closed task status enum, the entity types a job can belong
// to, the push event shape, entity snapshots and the merged effective status.
package taskstatus

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a single background job run.
type Status string

var (
	// ErrUnknownStatus is returned when a status tag cannot be parsed.
	ErrUnknownStatus = errors.New("unknown task status")
	// ErrUnknownEntityType is returned when an entity type tag cannot be parsed.
	ErrUnknownEntityType = errors.New("unknown entity type")
)

const (
	// StatusUnknown is the zero value: nothing is known about the job yet.
	StatusUnknown Status = ""

	// StatusPending indicates the job is queued but has not started.
	StatusPending Status = "PENDING"

	// StatusRunning indicates a worker is processing the job.
	StatusRunning Status = "RUNNING"

	// StatusSuccess indicates the job finished successfully.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed indicates the job stopped with an unrecoverable error.
	StatusFailed Status = "FAILED"

	// StatusRevoked indicates the job was cancelled before finishing.
	StatusRevoked Status = "REVOKED"
)

// String returns the string representation of the Status.
func (s Status) String() string {
	if s == StatusUnknown {
		return "UNKNOWN"
	}
	return string(s)
}

// Terminal reports whether no further events for the job are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRevoked:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the five wire statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusRevoked:
		return true
	default:
		return false
	}
}

// CanonicalMessage is the phrase shown when neither the live task nor the
// snapshot carries a message of its own.
func (s Status) CanonicalMessage() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusSuccess:
		return "Ready"
	case StatusFailed:
		return "Failed"
	case StatusRevoked:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ParseStatus converts a wire tag to a Status. Matching is case-insensitive
// and accepts the broker's native state names (STARTED, PROGRESS, RETRY,
// FAILURE) as aliases.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "QUEUED", "RECEIVED":
		return StatusPending, nil
	case "RUNNING", "STARTED", "PROGRESS", "RETRY":
		return StatusRunning, nil
	case "SUCCESS", "SUCCEEDED", "COMPLETED":
		return StatusSuccess, nil
	case "FAILED", "FAILURE":
		return StatusFailed, nil
	case "REVOKED", "CANCELLED", "CANCELED":
		return StatusRevoked, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// EntityType tags the kind of dashboard resource a job belongs to.
type EntityType string

const (
	EntityRepository   EntityType = "Repository"
	EntityDataset      EntityType = "Dataset"
	EntityTrainingJob  EntityType = "TrainingJob"
	EntityHPSearchJob  EntityType = "HPSearchJob"
	EntityInferenceJob EntityType = "InferenceJob"
	EntityModel        EntityType = "Model"
)

// EntityTypes lists every known entity type in display order.
var EntityTypes = []EntityType{
	EntityRepository,
	EntityDataset,
	EntityTrainingJob,
	EntityHPSearchJob,
	EntityInferenceJob,
	EntityModel,
}

func (t EntityType) String() string { return string(t) }

// ParseEntityType resolves a tag to a known EntityType, ignoring case,
// underscores and dashes ("training_job" and "TrainingJob" are equal).
func ParseEntityType(raw string) (EntityType, error) {
	norm := normalizeTag(raw)
	for _, t := range EntityTypes {
		if normalizeTag(string(t)) == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
}

func normalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}
