package taskstatus

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"PENDING", StatusPending},
		{"pending", StatusPending},
		{" running ", StatusRunning},
		{"STARTED", StatusRunning},
		{"PROGRESS", StatusRunning},
		{"SUCCESS", StatusSuccess},
		{"FAILURE", StatusFailed},
		{"FAILED", StatusFailed},
		{"REVOKED", StatusRevoked},
		{"cancelled", StatusRevoked},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("ParseStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}

	if _, err := ParseStatus("EXPLODED"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusUnknown: false,
		StatusPending: false,
		StatusRunning: false,
		StatusSuccess: true,
		StatusFailed:  true,
		StatusRevoked: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestStatus_CanonicalMessage(t *testing.T) {
	if got := StatusSuccess.CanonicalMessage(); got != "Ready" {
		t.Errorf("SUCCESS canonical = %q", got)
	}
	if got := StatusFailed.CanonicalMessage(); got != "Failed" {
		t.Errorf("FAILED canonical = %q", got)
	}
	if got := StatusRevoked.CanonicalMessage(); got != "Cancelled" {
		t.Errorf("REVOKED canonical = %q", got)
	}
}

func TestParseEntityType(t *testing.T) {
	for raw, want := range map[string]EntityType{
		"Dataset":       EntityDataset,
		"dataset":       EntityDataset,
		"training_job":  EntityTrainingJob,
		"hp-search-job": EntityHPSearchJob,
		"InferenceJob":  EntityInferenceJob,
		"MODEL":         EntityModel,
		"repository":    EntityRepository,
	} {
		got, err := ParseEntityType(raw)
		if err != nil {
			t.Fatalf("ParseEntityType(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("ParseEntityType(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseEntityType("Spaceship"); !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("expected ErrUnknownEntityType, got %v", err)
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{
		TaskID:     "t1",
		EntityType: EntityDataset,
		EntityID:   "7",
		Status:     StatusRunning,
		Progress:   ProgressOf(40),
		Timestamp:  100,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(e *Event)
	}{
		{"missing task id", func(e *Event) { e.TaskID = "" }},
		{"missing entity id", func(e *Event) { e.EntityID = " " }},
		{"unknown entity type", func(e *Event) { e.EntityType = "Spaceship" }},
		{"unknown status", func(e *Event) { e.Status = "EXPLODED" }},
		{"zero status", func(e *Event) { e.Status = StatusUnknown }},
		{"progress above range", func(e *Event) { e.Progress = ProgressOf(101) }},
		{"progress below range", func(e *Event) { e.Progress = ProgressOf(-1) }},
		{"negative timestamp", func(e *Event) { e.Timestamp = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid.Clone()
			tt.mutate(&ev)
			if err := ev.Validate(); !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestEvent_CloneDoesNotAlias(t *testing.T) {
	ev := Event{TaskID: "t1", Progress: ProgressOf(10)}
	cp := ev.Clone()
	*cp.Progress = 90
	if *ev.Progress != 10 {
		t.Fatalf("clone aliases progress: original now %d", *ev.Progress)
	}
}

func TestKey_String(t *testing.T) {
	k := Key{EntityType: EntityDataset, EntityID: "7", JobKind: "dataset_generation"}
	if got := k.String(); got != "Dataset/7#dataset_generation" {
		t.Errorf("key string = %q", got)
	}
	if got := k.Entity().String(); got != "Dataset/7" {
		t.Errorf("entity string = %q", got)
	}
}
