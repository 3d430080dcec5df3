package statusstore

import "github.com/basket/jobwatch/internal/taskstatus"

// Querier is the read side of a Store.
type Querier interface {
	Query(entityType taskstatus.EntityType, entityID, jobKind string) (taskstatus.Event, bool)
}

// Selector resolves the most relevant task for an entity so call sites never
// hand-roll the tie-break rule. It holds no state of its own.
type Selector struct {
	q Querier
}

// NewSelector returns a Selector reading from q.
func NewSelector(q Querier) Selector {
	return Selector{q: q}
}

// Resolve returns the task for (entityType, entityID, jobKind). With an empty
// jobKind it returns the latest task of any kind for the entity.
func (s Selector) Resolve(entityType taskstatus.EntityType, entityID, jobKind string) (taskstatus.Event, bool) {
	if s.q == nil {
		return taskstatus.Event{}, false
	}
	return s.q.Query(entityType, entityID, jobKind)
}

// ResolvePtr is Resolve returning nil when nothing matches, the shape the
// merger takes.
func (s Selector) ResolvePtr(entityType taskstatus.EntityType, entityID, jobKind string) *taskstatus.Event {
	ev, ok := s.Resolve(entityType, entityID, jobKind)
	if !ok {
		return nil
	}
	return &ev
}
