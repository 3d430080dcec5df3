package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/jobwatch/internal/bus"
	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/shared"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// ErrNotDelivered is returned by Ingest when a valid event could not be
// handed to the store pump before ctx ended.
var ErrNotDelivered = errors.New("feed: event not delivered")

// Sink accepts raw event messages from a Source.
type Sink interface {
	Ingest(ctx context.Context, source string, raw []byte) error
}

// Ingestor decodes raw messages and publishes valid events on the bus topic
// task.status. Malformed messages are logged, counted and dropped.
type Ingestor struct {
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
}

// NewIngestor returns an Ingestor publishing on b. Nil metrics and tracer
// record nothing.
func NewIngestor(b *bus.Bus, logger *slog.Logger, metrics *otelPkg.Metrics, tracer trace.Tracer) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	if tracer == nil {
		tracer = otelPkg.NoopTracer()
	}
	return &Ingestor{
		bus:     b,
		logger:  logger.With("component", "feed"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Ingest implements Sink. The returned error wraps
// taskstatus.ErrMalformedEvent when raw was rejected and ErrNotDelivered when
// the pump had no room before ctx ended.
func (i *Ingestor) Ingest(ctx context.Context, source string, raw []byte) error {
	_, span := otelPkg.StartSpan(ctx, i.tracer, "feed.ingest", otelPkg.AttrSource.String(source))
	defer span.End()

	ev, err := Decode(raw)
	if err != nil {
		i.metrics.EventsMalformed.Add(ctx, 1)
		i.logger.Warn("dropping malformed event", "source", source, "error", err, "bytes", len(raw))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed event")
		return err
	}
	span.SetAttributes(
		otelPkg.AttrTaskID.String(ev.TaskID),
		otelPkg.AttrStatus.String(ev.Status.String()),
		otelPkg.AttrEntityType.String(ev.EntityType.String()),
		otelPkg.AttrEntityID.String(ev.EntityID),
	)
	if err := i.Publish(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "event not delivered")
		return err
	}
	return nil
}

// Publish puts an already validated event on the bus, waiting for the store
// pump to take it.
func (i *Ingestor) Publish(ctx context.Context, ev taskstatus.Event) error {
	ctx = shared.WithTaskID(ctx, ev.TaskID)
	n, err := i.bus.PublishContext(ctx, bus.TopicTaskStatus, ev)
	if err != nil {
		i.logger.WarnContext(ctx, "task event not delivered", "status", ev.Status.String(), "error", err)
		return fmt.Errorf("%w: %w", ErrNotDelivered, err)
	}
	if n == 0 {
		i.logger.DebugContext(ctx, "task event had no subscribers")
	}
	return nil
}
