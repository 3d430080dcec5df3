package bus

import (
	"testing"

	"github.com/basket/jobwatch/internal/taskstatus"
)

func TestTopics_Distinct(t *testing.T) {
	seen := map[string]bool{}
	for _, topic := range []string{TopicTaskStatus, TopicNotifyToast, TopicSnapshotChanged} {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestTaskEvent(t *testing.T) {
	ev := taskstatus.Event{TaskID: "t1"}
	if got, ok := TaskEvent(Event{Payload: ev}); !ok || got.TaskID != "t1" {
		t.Fatalf("value payload: %+v %v", got, ok)
	}
	if got, ok := TaskEvent(Event{Payload: &ev}); !ok || got.TaskID != "t1" {
		t.Fatalf("pointer payload: %+v %v", got, ok)
	}
	var nilEv *taskstatus.Event
	if _, ok := TaskEvent(Event{Payload: nilEv}); ok {
		t.Fatal("nil pointer payload accepted")
	}
	if _, ok := TaskEvent(Event{Payload: Toast{}}); ok {
		t.Fatal("toast payload accepted as task event")
	}
}
