// Package poller refreshes mounted controllers on a cron schedule. It is
// periodic polling for views whose push feed may be lossy, not a retry of a
// failed refetch.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Refresher is anything that can re-read its snapshot on demand.
// *reconcile.Controller satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	// Schedule is the cron spec. Empty disables polling.
	Schedule string
	Logger   *slog.Logger
	// Timeout bounds each refresh; defaults to 10s.
	Timeout time.Duration
	// Concurrency caps parallel refreshes per tick; defaults to 4.
	Concurrency int
}

// Poller calls Refresh on every registered target at each scheduled tick.
type Poller struct {
	schedule    string
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int

	mu      sync.Mutex
	targets map[int]Refresher
	nextID  int

	cron   *cronlib.Cron
	cancel context.CancelFunc
	ticks  sync.WaitGroup
}

// New validates the schedule and returns a stopped Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Schedule != "" {
		if _, err := cronParser.Parse(cfg.Schedule); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Poller{
		schedule:    cfg.Schedule,
		logger:      logger.With("component", "poller"),
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		targets:     make(map[int]Refresher),
	}, nil
}

// Enabled reports whether a schedule is configured.
func (p *Poller) Enabled() bool { return p.schedule != "" }

// Register adds r to every future tick and returns a function removing it.
func (p *Poller) Register(r Refresher) (unregister func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.targets[id] = r
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.targets, id)
			p.mu.Unlock()
		})
	}
}

// Len returns the number of registered targets.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.targets)
}

// Start begins scheduling. It is a no-op when polling is disabled.
func (p *Poller) Start(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	sched, err := cronParser.Parse(p.schedule)
	if err != nil {
		return err
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.cron = cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	p.cron.Schedule(sched, cronlib.FuncJob(func() {
		p.ticks.Add(1)
		defer p.ticks.Done()
		p.Tick(ctx)
	}))
	p.cron.Start()
	p.logger.Info("poller started", "schedule", p.schedule, "next_run_at", sched.Next(time.Now()))
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (p *Poller) Stop() {
	if p.cron == nil {
		return
	}
	p.cancel()
	<-p.cron.Stop().Done()
	p.ticks.Wait()
	p.logger.Info("poller stopped")
}

// Tick refreshes every registered target once and returns how many failed.
func (p *Poller) Tick(ctx context.Context) int {
	p.mu.Lock()
	targets := make([]Refresher, 0, len(p.targets))
	for _, r := range p.targets {
		targets = append(targets, r)
	}
	p.mu.Unlock()

	var (
		failedMu sync.Mutex
		failed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, r := range targets {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()
			if err := r.Refresh(rctx); err != nil {
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				if ctx.Err() == nil {
					p.logger.Warn("poll refresh failed", "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Debug("poll tick", "targets", len(targets), "failed", failed)
	return failed
}

// NextRunTime returns the next run of spec after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
