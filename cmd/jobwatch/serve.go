package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/jobwatch/internal/audit"
	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/gateway"
	"github.com/basket/jobwatch/internal/persistence"
	"github.com/basket/jobwatch/internal/statusstore"
)

func runServeCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: jobwatch serve")
		return 2
	}

	rt := startRuntime(ctx, false)
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	eventBus := bus.New()
	store, err := persistence.Open(cfg.Server.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "db_opened", "path", cfg.Server.DBPath)

	gw := gateway.New(gateway.Config{
		Store:             store,
		Tasks:             statusstore.New(logger),
		Bus:               eventBus,
		AuthToken:         cfg.Server.AuthToken,
		AllowOrigins:      cfg.Server.AllowOrigins,
		RateLimit:         cfg.Server.RateLimit,
		CORS:              cfg.Server.CORS,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           rt.otel.Metrics,
		Tracer:            rt.otel.Tracer,
	})
	if _, err := gw.Restore(ctx); err != nil {
		logger.Warn("restore latest task events failed; starting empty", "error", err)
	}
	if cfg.Server.AuthToken == "" {
		logger.Warn("auth_token is empty; the API accepts unauthenticated requests")
	}

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Port in use. Stop the existing process or change server.bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_LISTEN", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return rt.watchConfig(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
