package feed

import (
	"context"
	"log/slog"

	"github.com/basket/jobwatch/internal/bus"
	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/statusstore"
)

const pumpBuffer = 1024

// Pump moves task events from the bus into the store. It subscribes when
// constructed so no event published afterwards is missed, and its
// subscription blocks publishers going through Ingestor instead of dropping.
type Pump struct {
	bus     *bus.Bus
	store   *statusstore.Store
	sub     *bus.Subscription
	logger  *slog.Logger
	metrics *otelPkg.Metrics
}

// NewPump subscribes to task.status on b.
func NewPump(b *bus.Bus, store *statusstore.Store, logger *slog.Logger, metrics *otelPkg.Metrics) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	return &Pump{
		bus:     b,
		store:   store,
		sub:     b.SubscribeBlocking(bus.TopicTaskStatus, pumpBuffer),
		logger:  logger.With("component", "pump"),
		metrics: metrics,
	}
}

// Run upserts events until ctx is done, then unsubscribes.
func (p *Pump) Run(ctx context.Context) error {
	defer p.bus.Unsubscribe(p.sub)
	for {
		select {
		case <-ctx.Done():
			if dropped := p.sub.Dropped(); dropped > 0 {
				p.logger.Warn("pump missed events", "dropped", dropped)
			}
			return nil
		case msg, ok := <-p.sub.Ch():
			if !ok {
				return nil
			}
			ev, ok := bus.TaskEvent(msg)
			if !ok {
				p.logger.Warn("unexpected payload on task topic", "topic", msg.Topic)
				continue
			}
			if p.store.Upsert(ev) {
				p.metrics.EventsIngested.Add(ctx, 1)
			} else {
				p.metrics.EventsStale.Add(ctx, 1)
			}
		}
	}
}
