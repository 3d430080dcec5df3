package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/jobwatch/internal/display"
	"github.com/basket/jobwatch/internal/reconcile"
	"github.com/basket/jobwatch/internal/statusstore"
	"github.com/basket/jobwatch/internal/taskstatus"
	"github.com/basket/jobwatch/internal/tui"
)

type listOptions struct {
	refs    []taskstatus.EntityRef
	jobKind string
	window  time.Duration
}

func parseListArgs(args []string) (listOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kind := fs.String("kind", "", "only follow tasks of this job kind")
	window := fs.Duration("window", 2*time.Second, "how long to collect feed events before printing")
	if err := fs.Parse(args); err != nil {
		return listOptions{}, err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return listOptions{}, fmt.Errorf("usage: jobwatch list [-kind k] [-window d] <type> <id>...")
	}
	opts := listOptions{jobKind: *kind, window: *window}
	for _, id := range rest[1:] {
		ref, err := parseEntityRef(rest[0], id)
		if err != nil {
			return listOptions{}, err
		}
		opts.refs = append(opts.refs, ref)
	}
	return opts, nil
}

func runListCommand(ctx context.Context, args []string) int {
	opts, err := parseListArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	rt := startRuntime(ctx, true)
	defer rt.close()

	sess, err := newClientSession(ctx, rt.cfg, rt.logger, rt.otel, os.Stdin)
	if err != nil {
		fatalStartup(rt.logger, "E_FEED_INIT", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	sess.start(gctx, g)

	snaps := make([]fetchResult, len(opts.refs))
	var fetches errgroup.Group
	for i, ref := range opts.refs {
		fetches.Go(func() error {
			snap, err := sess.fetcher.Fetch(gctx, ref.Type, ref.ID)
			snaps[i] = fetchResult{snap: snap, err: err}
			return nil
		})
	}

	select {
	case <-gctx.Done():
	case <-time.After(opts.window):
	}
	_ = fetches.Wait()

	states := projectStates(sess.tasks, sess.classifier, opts, snaps)
	code := printStates(os.Stdout, states)
	cancel()
	if err := g.Wait(); err != nil {
		rt.logger.Warn("feed stopped with error", "error", err)
	}
	return code
}

type fetchResult struct {
	snap taskstatus.Snapshot
	err  error
}

// projectStates resolves the live task for every entity and merges it with
// the snapshot fetched for it, without mounting controllers.
func projectStates(tasks statusstore.Querier, classifier reconcile.Classifier, opts listOptions, snaps []fetchResult) []reconcile.State {
	selector := statusstore.NewSelector(tasks)
	merger := reconcile.Merger{Classifier: classifier}
	states := make([]reconcile.State, 0, len(opts.refs))
	for i, ref := range opts.refs {
		live := selector.ResolvePtr(ref.Type, ref.ID, opts.jobKind)
		eff := merger.Merge(live, snaps[i].snap)
		states = append(states, reconcile.State{
			Entity:    ref,
			JobKind:   opts.jobKind,
			Live:      live,
			Snapshot:  snaps[i].snap,
			Effective: eff,
			Display:   display.Project(eff),
			Err:       snaps[i].err,
		})
	}
	return states
}

// printStates writes one line per entity and returns 1 when any snapshot
// could not be read.
func printStates(w io.Writer, states []reconcile.State) int {
	code := 0
	for _, st := range states {
		fmt.Fprintln(w, tui.FormatLine(st))
		if st.Err != nil {
			code = 1
		}
	}
	return code
}
