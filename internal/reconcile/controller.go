package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/basket/jobwatch/internal/display"
	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/snapshot"
	"github.com/basket/jobwatch/internal/statusstore"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// ErrControllerClosed is returned by operations on a closed Controller.
var ErrControllerClosed = errors.New("reconcile: controller closed")

// ControllerConfig configures one reconciliation view.
type ControllerConfig struct {
	Store      *statusstore.Store
	Fetcher    snapshot.Fetcher
	EntityType taskstatus.EntityType
	EntityID   string
	// JobKind narrows the view to one job purpose. Empty follows the latest
	// task of any kind.
	JobKind string
	// Classifier maps snapshot domain strings. Zero uses DefaultClassifier.
	Classifier Classifier
	// DisableRefetchOnTransition turns off the snapshot refetch issued when a
	// task reaches a terminal status.
	DisableRefetchOnTransition bool

	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
}

// State is what a view renders. Values handed out are copies.
type State struct {
	Entity    taskstatus.EntityRef
	JobKind   string
	Live      *taskstatus.Event
	Snapshot  taskstatus.Snapshot
	Effective taskstatus.EffectiveStatus
	Display   display.Display
	// Err is the last snapshot fetch error. The previous snapshot is kept.
	Err error
	// Version increases with every published state.
	Version uint64
}

func (s State) clone() State {
	if s.Live != nil {
		ev := s.Live.Clone()
		s.Live = &ev
	}
	if s.Snapshot.Fields != nil {
		s.Snapshot.Fields = maps.Clone(s.Snapshot.Fields)
	}
	s.Effective = s.Effective.Clone()
	if s.Display.Progress != nil {
		p := *s.Display.Progress
		s.Display.Progress = &p
	}
	return s
}

// Controller keeps one entity view reconciled: it listens to the store,
// fetches snapshots, merges both, fires terminal side effects once and
// publishes the projected state.
type Controller struct {
	cfg      ControllerConfig
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	selector statusstore.Selector
	merger   Merger
	gate     *Gate

	mu          sync.Mutex
	state       State
	mounted     bool
	closed      bool
	token       uint64
	seq         uint64
	appliedSeq  uint64
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	updates     chan State

	wg sync.WaitGroup
}

// NewController builds an unmounted controller.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	classifier := cfg.Classifier
	if classifier.table == nil {
		classifier = DefaultClassifier
	}
	entity := taskstatus.EntityRef{Type: cfg.EntityType, ID: cfg.EntityID}
	logger = logger.With("component", "reconcile", "entity", entity.String(), "job_kind", cfg.JobKind)

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		selector: statusstore.NewSelector(cfg.Store),
		merger:   Merger{Classifier: classifier},
		gate:     NewGate(logger),
		state:    State{Entity: entity, JobKind: cfg.JobKind},
		updates:  make(chan State, 1),
	}
	c.state.Display = display.Project(c.state.Effective)
	if !cfg.DisableRefetchOnTransition {
		c.gate.OnTransition(func(eff taskstatus.EffectiveStatus, live taskstatus.Event) {
			c.refetch("transition")
		})
	}
	return c
}

// OnTransition registers a side effect run once per terminal transition.
func (c *Controller) OnTransition(cb TransitionFunc) {
	c.gate.OnTransition(cb)
}

// Updates delivers published states. The channel holds only the newest
// state; an unread state is replaced. It is closed by Close.
func (c *Controller) Updates() <-chan State {
	return c.updates
}

// Current returns the latest published state.
func (c *Controller) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Mount subscribes to the store, publishes the state derived from what the
// store already knows and starts the initial snapshot fetch. ctx bounds the
// lifetime of every fetch the controller issues. Mounting twice is a no-op.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	c.metrics.ControllersActive.Add(context.Background(), 1)

	unsubscribe := c.cfg.Store.Subscribe(c.onEvent)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return ErrControllerClosed
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.logger.Debug("controller mounted")
	c.reconcile()
	c.refetch("mount")
	return nil
}

func (c *Controller) onEvent(ev taskstatus.Event) {
	if ev.EntityType != c.cfg.EntityType || ev.EntityID != c.cfg.EntityID {
		return
	}
	if c.cfg.JobKind != "" && ev.JobKind != c.cfg.JobKind {
		return
	}
	c.reconcile()
}

// reconcile recomputes and publishes the state, then offers the result to
// the gate.
func (c *Controller) reconcile() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	eff, live := c.reconcileLocked()
	c.mu.Unlock()
	c.maybeFire(eff, live)
}

func (c *Controller) reconcileLocked() (taskstatus.EffectiveStatus, *taskstatus.Event) {
	live := c.selector.ResolvePtr(c.cfg.EntityType, c.cfg.EntityID, c.cfg.JobKind)
	eff := c.merger.Merge(live, c.state.Snapshot)
	c.state.Live = live
	c.state.Effective = eff
	c.state.Display = display.Project(eff)
	c.state.Version++
	c.publishLocked(c.state.clone())
	return eff.Clone(), live
}

func (c *Controller) publishLocked(st State) {
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- st:
	default:
	}
}

func (c *Controller) maybeFire(eff taskstatus.EffectiveStatus, live *taskstatus.Event) {
	if c.gate.MaybeFire(eff, live) {
		c.metrics.GateFired.Add(context.Background(), 1)
	}
}

// refetch starts an asynchronous snapshot fetch.
func (c *Controller) refetch(reason string) {
	c.mu.Lock()
	if c.closed || !c.mounted {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq, token, ctx := c.seq, c.token, c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		snap, err := c.fetch(ctx, reason)
		c.applySnapshot(seq, token, snap, err)
	}()
}

// Refresh fetches a fresh snapshot and applies it before returning. It is
// the manual recovery path after a failed fetch.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if !c.mounted {
		c.mu.Unlock()
		return errors.New("reconcile: controller not mounted")
	}
	c.seq++
	seq, token, base := c.seq, c.token, c.ctx
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	snap, err := c.fetch(ctx, "manual")
	if !c.applySnapshot(seq, token, snap, err) {
		if c.isClosed() {
			return ErrControllerClosed
		}
		return nil
	}
	return err
}

func (c *Controller) fetch(ctx context.Context, reason string) (taskstatus.Snapshot, error) {
	start := time.Now()
	snap, err := c.cfg.Fetcher.Fetch(ctx, c.cfg.EntityType, c.cfg.EntityID)
	c.metrics.RefetchDuration.Record(context.Background(), time.Since(start).Seconds())
	if err != nil {
		c.metrics.RefetchErrors.Add(context.Background(), 1)
		c.logger.Warn("snapshot fetch failed", "reason", reason, "error", err)
	}
	return snap, err
}

// applySnapshot installs a fetch result unless the controller closed, was
// remounted, or already applied a newer response. It reports whether the
// result was applied.
func (c *Controller) applySnapshot(seq, token uint64, snap taskstatus.Snapshot, err error) bool {
	c.mu.Lock()
	if c.closed || token != c.token || seq <= c.appliedSeq {
		c.mu.Unlock()
		c.metrics.RefetchSuperseded.Add(context.Background(), 1)
		c.logger.Debug("discarding superseded snapshot", "seq", seq)
		return false
	}
	c.appliedSeq = seq
	if err != nil {
		c.state.Err = err
	} else {
		c.state.Snapshot = snap
		c.state.Err = nil
	}
	eff, live := c.reconcileLocked()
	c.mu.Unlock()
	c.maybeFire(eff, live)
	return true
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close detaches the view: it stops listening, abandons in-flight fetches,
// forgets fired transitions and closes Updates. Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.token++
	wasMounted := c.mounted
	if c.cancel != nil {
		c.cancel()
	}
	unsubscribe := c.unsubscribe
	close(c.updates)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.gate.Reset()
	if wasMounted {
		c.metrics.ControllersActive.Add(context.Background(), -1)
	}
	c.logger.Debug("controller closed")
}

// Wait blocks until every fetch started before Close has returned. Close
// cancels them, so Wait is short; results are discarded either way. Do not
// call it from an OnTransition callback.
func (c *Controller) Wait() {
	c.wg.Wait()
}
