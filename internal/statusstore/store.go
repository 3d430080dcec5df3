// Package statusstore holds the latest known status per job identity and
// answers "which task matters for this entity" queries.
package statusstore

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basket/jobwatch/internal/taskstatus"
)

// maxFinishedPerKey bounds how many finished task ids a key remembers.
const maxFinishedPerKey = 256

// finishedRuns remembers the task ids that reached a terminal status under
// one key, oldest first.
type finishedRuns struct {
	ids   map[string]struct{}
	order []string
}

func (f *finishedRuns) has(taskID string) bool {
	_, ok := f.ids[taskID]
	return ok
}

func (f *finishedRuns) add(taskID string) {
	if _, ok := f.ids[taskID]; ok {
		return
	}
	if len(f.order) == maxFinishedPerKey {
		delete(f.ids, f.order[0])
		f.order = f.order[1:]
	}
	f.ids[taskID] = struct{}{}
	f.order = append(f.order, taskID)
}

// Listener is notified after every applied upsert with the stored event.
type Listener func(ev taskstatus.Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Stats counts upsert outcomes since the store was created.
type Stats struct {
	Applied   uint64
	Stale     uint64
	Malformed uint64
}

// Store is a keyed table of the latest TaskStatusEvent per
// (entity_type, entity_id, job_kind). It is safe for concurrent use.
//
// Upserts are serialized: each one is applied and its listeners notified
// before the next one starts, so concurrent calls take effect in the order
// they acquire the store. Listeners may call Query but must not call Upsert.
type Store struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	entries  map[taskstatus.Key]taskstatus.Event
	byEntity map[taskstatus.EntityRef]map[string]struct{}
	finished map[taskstatus.Key]*finishedRuns

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      int

	logger *slog.Logger

	applied   atomic.Uint64
	stale     atomic.Uint64
	malformed atomic.Uint64
}

// New creates an empty Store. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:  make(map[taskstatus.Key]taskstatus.Event),
		byEntity: make(map[taskstatus.EntityRef]map[string]struct{}),
		finished: make(map[taskstatus.Key]*finishedRuns),
		logger:   logger.With("component", "statusstore"),
	}
}

// Upsert files ev under its key if it supersedes the current entry and
// reports whether it did. Malformed, stale and duplicate events are dropped;
// out-of-order delivery is expected and is not an error.
func (s *Store) Upsert(ev taskstatus.Event) bool {
	if err := ev.Validate(); err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping malformed task event", "task_id", ev.TaskID, "error", err)
		return false
	}
	ev = ev.Clone()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := ev.Key()
	s.mu.Lock()
	existing, ok := s.entries[key]
	if runs := s.finished[key]; runs != nil && runs.has(ev.TaskID) {
		s.mu.Unlock()
		s.stale.Add(1)
		s.logger.Debug("dropping event for finished task",
			"key", key.String(),
			"task_id", ev.TaskID,
			"status", ev.Status.String(),
			"timestamp", ev.Timestamp,
		)
		return false
	}
	if ok && !supersedes(existing, ev) {
		s.mu.Unlock()
		s.stale.Add(1)
		s.logger.Debug("dropping stale task event",
			"key", key.String(),
			"task_id", ev.TaskID,
			"status", ev.Status.String(),
			"timestamp", ev.Timestamp,
			"current_task_id", existing.TaskID,
			"current_status", existing.Status.String(),
			"current_timestamp", existing.Timestamp,
		)
		return false
	}
	s.entries[key] = ev
	ref := key.Entity()
	kinds, found := s.byEntity[ref]
	if !found {
		kinds = make(map[string]struct{})
		s.byEntity[ref] = kinds
	}
	kinds[key.JobKind] = struct{}{}
	if ev.Status.Terminal() {
		runs := s.finished[key]
		if runs == nil {
			runs = &finishedRuns{ids: make(map[string]struct{})}
			s.finished[key] = runs
		}
		runs.add(ev.TaskID)
	}
	s.mu.Unlock()

	s.applied.Add(1)
	s.notify(ev)
	return true
}

// supersedes is the replacement rule. A newer timestamp wins; on a tie a
// terminal event replaces a non-terminal one. A terminal entry is final for
// its task_id no matter what timestamp a later event for that task carries;
// Upsert extends that to finished tasks no longer current under the key.
func supersedes(existing, incoming taskstatus.Event) bool {
	if existing.Status.Terminal() && existing.TaskID == incoming.TaskID {
		return false
	}
	if existing.Timestamp < incoming.Timestamp {
		return true
	}
	return existing.Timestamp == incoming.Timestamp &&
		!existing.Status.Terminal() && incoming.Status.Terminal()
}

func (s *Store) notify(ev taskstatus.Event) {
	s.listenersMu.RLock()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		s.call(l, ev.Clone())
	}
}

func (s *Store) call(l listenerEntry, ev taskstatus.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task status listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(ev)
}

// Query returns the entry for an exact key when jobKind is non-empty.
// Otherwise it returns the most recent entry of any job kind for the entity:
// greatest timestamp first, then terminal over non-terminal, then the
// lexically smallest job kind.
func (s *Store) Query(entityType taskstatus.EntityType, entityID, jobKind string) (taskstatus.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if jobKind != "" {
		ev, ok := s.entries[taskstatus.Key{EntityType: entityType, EntityID: entityID, JobKind: jobKind}]
		if !ok {
			return taskstatus.Event{}, false
		}
		return ev.Clone(), true
	}

	kinds := s.byEntity[taskstatus.EntityRef{Type: entityType, ID: entityID}]
	var (
		best  taskstatus.Event
		found bool
	)
	for kind := range kinds {
		ev := s.entries[taskstatus.Key{EntityType: entityType, EntityID: entityID, JobKind: kind}]
		if !found || moreRelevant(ev, best) {
			best = ev
			found = true
		}
	}
	if !found {
		return taskstatus.Event{}, false
	}
	return best.Clone(), true
}

func moreRelevant(a, b taskstatus.Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.Status.Terminal() != b.Status.Terminal() {
		return a.Status.Terminal()
	}
	return a.JobKind < b.JobKind
}

// Subscribe registers l and returns a function that removes it. The returned
// function may be called more than once.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, entry := range s.listeners {
				if entry.id == id {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscriberCount returns the number of registered listeners.
func (s *Store) SubscriberCount() int {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return len(s.listeners)
}

// Len returns the number of keys held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of every stored event ordered by key.
func (s *Store) Entries() []taskstatus.Event {
	s.mu.RLock()
	out := make([]taskstatus.Event, 0, len(s.entries))
	for _, ev := range s.entries {
		out = append(out, ev.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.JobKind < b.JobKind
	})
	return out
}

// Keys returns every stored key in the same order as Entries.
func (s *Store) Keys() []taskstatus.Key {
	entries := s.Entries()
	keys := make([]taskstatus.Key, len(entries))
	for i, ev := range entries {
		keys[i] = ev.Key()
	}
	return keys
}

// Stats returns the upsert counters.
func (s *Store) Stats() Stats {
	return Stats{
		Applied:   s.applied.Load(),
		Stale:     s.stale.Load(),
		Malformed: s.malformed.Load(),
	}
}
