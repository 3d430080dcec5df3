package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/config"
	"github.com/basket/jobwatch/internal/display"
	"github.com/basket/jobwatch/internal/feed"
	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/reconcile"
	"github.com/basket/jobwatch/internal/snapshot"
	"github.com/basket/jobwatch/internal/statusstore"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// clientSession is the client half of jobwatch: one feed source, one bus and
// store, and any number of controllers reading from them.
type clientSession struct {
	logger     *slog.Logger
	metrics    *otelPkg.Metrics
	bus        *bus.Bus
	tasks      *statusstore.Store
	ingestor   *feed.Ingestor
	pump       *feed.Pump
	source     feed.Source
	fetcher    snapshot.Fetcher
	classifier reconcile.Classifier
	refetch    bool
	closeSrc   func() error
}

func newClientSession(ctx context.Context, cfg config.Config, logger *slog.Logger, provider *otelPkg.Provider, stdin io.Reader) (*clientSession, error) {
	classifier, err := reconcile.NewClassifier(cfg.Snapshot.StatusTable)
	if err != nil {
		return nil, fmt.Errorf("snapshot.status_table: %w", err)
	}
	metrics, tracer := otelPkg.NoopMetrics(), otelPkg.NoopTracer()
	if provider != nil {
		metrics, tracer = provider.Metrics, provider.Tracer
	}

	source, closeSrc, err := newSource(ctx, cfg.Client, logger, stdin)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	tasks := statusstore.New(logger)
	return &clientSession{
		logger:   logger,
		metrics:  metrics,
		bus:      b,
		tasks:    tasks,
		ingestor: feed.NewIngestor(b, logger, metrics, tracer),
		pump:     feed.NewPump(b, tasks, logger, metrics),
		source:   source,
		fetcher: snapshot.NewHTTPFetcher(cfg.Client.APIURL,
			snapshot.WithToken(cfg.Client.Token),
			snapshot.WithTracer(tracer),
			snapshot.WithLogger(logger),
		),
		classifier: classifier,
		refetch:    cfg.Client.RefetchEnabled(),
		closeSrc:   closeSrc,
	}, nil
}

// newSource picks the push channel named by the client config.
func newSource(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, stdin io.Reader) (feed.Source, func() error, error) {
	noop := func() error { return nil }
	switch cfg.FeedKind {
	case config.FeedStdin:
		return feed.ReaderSource{R: stdin}, noop, nil
	case config.FeedRedis:
		src, err := feed.NewRedisSource(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return &feed.WebSocketSource{URL: cfg.FeedURL, Token: cfg.Token, Logger: logger}, noop, nil
	}
}

// start runs the source and the pump in g until ctx ends.
func (s *clientSession) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return s.pump.Run(ctx) })
	g.Go(func() error {
		if err := s.source.Run(ctx, s.ingestor); err != nil {
			return fmt.Errorf("%s feed: %w", s.source.Name(), err)
		}
		return nil
	})
}

// newController builds an unmounted view whose terminal transitions raise a
// toast on the bus.
func (s *clientSession) newController(ref taskstatus.EntityRef, jobKind string) *reconcile.Controller {
	c := reconcile.NewController(reconcile.ControllerConfig{
		Store:                      s.tasks,
		Fetcher:                    s.fetcher,
		EntityType:                 ref.Type,
		EntityID:                   ref.ID,
		JobKind:                    jobKind,
		Classifier:                 s.classifier,
		DisableRefetchOnTransition: !s.refetch,
		Logger:                     s.logger,
		Metrics:                    s.metrics,
	})
	c.OnTransition(func(eff taskstatus.EffectiveStatus, live taskstatus.Event) {
		d := display.Project(eff)
		s.bus.Publish(bus.TopicNotifyToast, bus.Toast{
			EntityType: live.EntityType,
			EntityID:   live.EntityID,
			TaskID:     live.TaskID,
			Status:     eff.Status,
			Label:      d.Label,
			Severity:   string(d.Severity),
		})
	})
	return c
}

func (s *clientSession) Close() {
	if err := s.closeSrc(); err != nil {
		s.logger.Warn("close feed source", "error", err)
	}
}

func parseEntityRef(rawType, rawID string) (taskstatus.EntityRef, error) {
	t, err := taskstatus.ParseEntityType(rawType)
	if err != nil {
		return taskstatus.EntityRef{}, err
	}
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		return taskstatus.EntityRef{}, errors.New("entity id required")
	}
	return taskstatus.EntityRef{Type: t, ID: rawID}, nil
}
