package reconcile

import (
	"log/slog"
	"sync"

	"github.com/basket/jobwatch/internal/taskstatus"
)

// TransitionFunc is a side effect run when a task reaches a terminal status.
// live is the event that completed the transition.
type TransitionFunc func(eff taskstatus.EffectiveStatus, live taskstatus.Event)

type firedKey struct {
	taskID string
	status taskstatus.Status
}

// Gate runs terminal-transition side effects at most once per
// (task_id, status) for the lifetime of one view.
type Gate struct {
	logger *slog.Logger

	mu        sync.Mutex
	fired     map[firedKey]struct{}
	callbacks []TransitionFunc
}

// NewGate returns an empty Gate. A nil logger uses slog.Default().
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger: logger,
		fired:  make(map[firedKey]struct{}),
	}
}

// OnTransition registers cb. Callbacks run in registration order.
func (g *Gate) OnTransition(cb TransitionFunc) {
	if cb == nil {
		return
	}
	g.mu.Lock()
	g.callbacks = append(g.callbacks, cb)
	g.mu.Unlock()
}

// MaybeFire records the transition and runs the callbacks when eff is
// terminal, live is present and the (task_id, status) pair has not fired
// yet. It reports whether the callbacks ran. Callbacks run on the calling
// goroutine without the gate's lock held.
func (g *Gate) MaybeFire(eff taskstatus.EffectiveStatus, live *taskstatus.Event) bool {
	if !eff.Status.Terminal() || live == nil {
		return false
	}
	key := firedKey{taskID: live.TaskID, status: live.Status}

	g.mu.Lock()
	if _, done := g.fired[key]; done {
		g.mu.Unlock()
		return false
	}
	g.fired[key] = struct{}{}
	callbacks := make([]TransitionFunc, len(g.callbacks))
	copy(callbacks, g.callbacks)
	g.mu.Unlock()

	g.logger.Info("terminal transition",
		"task_id", live.TaskID,
		"status", live.Status.String(),
		"entity", live.Entity().String(),
		"job_kind", live.JobKind,
	)
	for _, cb := range callbacks {
		g.run(cb, eff.Clone(), live.Clone())
	}
	return true
}

func (g *Gate) run(cb TransitionFunc, eff taskstatus.EffectiveStatus, live taskstatus.Event) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("transition callback panicked", "task_id", live.TaskID, "panic", r)
		}
	}()
	cb(eff, live)
}

// Fired reports whether (taskID, status) has already fired.
func (g *Gate) Fired(taskID string, status taskstatus.Status) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.fired[firedKey{taskID: taskID, status: status}]
	return ok
}

// Reset forgets every fired transition. Registered callbacks are kept.
func (g *Gate) Reset() {
	g.mu.Lock()
	clear(g.fired)
	g.mu.Unlock()
}
