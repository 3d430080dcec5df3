package bus

import "github.com/basket/jobwatch/internal/taskstatus"

// Topics carried by the bus.
const (
	// TopicTaskStatus carries validated taskstatus.Event payloads.
	TopicTaskStatus = "task.status"
	// TopicNotifyToast carries Toast payloads raised by terminal transitions.
	TopicNotifyToast = "notify.toast"
	// TopicSnapshotChanged carries SnapshotChanged payloads when the server
	// persists a new entity status.
	TopicSnapshotChanged = "snapshot.changed"
)

// Toast is a user-facing notification raised once per terminal transition.
type Toast struct {
	EntityType taskstatus.EntityType
	EntityID   string
	TaskID     string
	Status     taskstatus.Status
	Label      string
	Severity   string
}

// SnapshotChanged is published after an entity row is written.
type SnapshotChanged struct {
	EntityType taskstatus.EntityType
	EntityID   string
	Status     string
}

// TaskEvent extracts a task event payload, reporting false for anything else.
func TaskEvent(ev Event) (taskstatus.Event, bool) {
	switch p := ev.Payload.(type) {
	case taskstatus.Event:
		return p, true
	case *taskstatus.Event:
		if p == nil {
			return taskstatus.Event{}, false
		}
		return *p, true
	default:
		return taskstatus.Event{}, false
	}
}
