package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/config"
	"github.com/basket/jobwatch/internal/poller"
	"github.com/basket/jobwatch/internal/taskstatus"
	"github.com/basket/jobwatch/internal/tui"
)

func parseWatchArgs(args []string) (taskstatus.EntityRef, string, error) {
	if len(args) < 2 || len(args) > 3 {
		return taskstatus.EntityRef{}, "", fmt.Errorf("usage: jobwatch watch <type> <id> [job_kind]")
	}
	ref, err := parseEntityRef(args[0], args[1])
	if err != nil {
		return taskstatus.EntityRef{}, "", err
	}
	jobKind := ""
	if len(args) == 3 {
		jobKind = args[2]
	}
	return ref, jobKind, nil
}

func runWatchCommand(ctx context.Context, args []string, plain bool) int {
	ref, jobKind, err := parseWatchArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	interactive := !plain && isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("JOBWATCH_NO_TUI") == ""
	// Quiet logs (file-only) in interactive mode so the view stays clean.
	rt := startRuntime(ctx, interactive)
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger
	if cfg.Client.FeedKind == config.FeedStdin {
		// The view would compete with the feed for stdin.
		interactive = false
	}

	sess, err := newClientSession(ctx, cfg, logger, rt.otel, os.Stdin)
	if err != nil {
		fatalStartup(logger, "E_FEED_INIT", err)
	}
	defer sess.Close()

	pl, err := poller.New(poller.Config{Schedule: cfg.Client.RefreshSchedule, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_CONFIG_LOAD", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	sess.start(gctx, g)
	g.Go(func() error { return rt.watchConfig(gctx) })

	ctrl := sess.newController(ref, jobKind)
	toasts := sess.bus.SubscribeBuffered(bus.TopicNotifyToast, 16)
	defer sess.bus.Unsubscribe(toasts)
	if err := ctrl.Mount(gctx); err != nil {
		fatalStartup(logger, "E_MOUNT", err)
	}
	defer pl.Register(ctrl)()
	if err := pl.Start(gctx); err != nil {
		fatalStartup(logger, "E_CONFIG_LOAD", err)
	}
	defer pl.Stop()

	opts := tui.WatchOptions{
		Initial: ctrl.Current(),
		Updates: ctrl.Updates(),
		Toasts:  toasts.Ch(),
		Refresh: ctrl.Refresh,
	}
	var viewErr error
	if interactive {
		viewErr = tui.Run(gctx, opts)
	} else {
		viewErr = tui.RunPlain(gctx, os.Stdout, opts)
	}

	ctrl.Close()
	ctrl.Wait()
	cancel()
	groupErr := g.Wait()
	if viewErr != nil {
		logger.Error("view exited with error", "error", viewErr)
		return 1
	}
	if groupErr != nil {
		fmt.Fprintln(os.Stderr, groupErr)
		logger.Error("feed stopped with error", "error", groupErr)
		return 1
	}
	return 0
}
