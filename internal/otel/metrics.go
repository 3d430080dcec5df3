package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all jobwatch metric instruments.
type Metrics struct {
	EventsIngested    metric.Int64Counter
	EventsMalformed   metric.Int64Counter
	EventsStale       metric.Int64Counter
	GateFired         metric.Int64Counter
	RefetchDuration   metric.Float64Histogram
	RefetchErrors     metric.Int64Counter
	RefetchSuperseded metric.Int64Counter
	ControllersActive metric.Int64UpDownCounter
	RequestDuration   metric.Float64Histogram
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsIngested, err = meter.Int64Counter("jobwatch.events.ingested",
		metric.WithDescription("Task status events applied to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsMalformed, err = meter.Int64Counter("jobwatch.events.malformed",
		metric.WithDescription("Task status events dropped as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsStale, err = meter.Int64Counter("jobwatch.events.stale",
		metric.WithDescription("Task status events dropped as stale or duplicate"),
	)
	if err != nil {
		return nil, err
	}

	m.GateFired, err = meter.Int64Counter("jobwatch.gate.fired",
		metric.WithDescription("Terminal transitions that fired side effects"),
	)
	if err != nil {
		return nil, err
	}

	m.RefetchDuration, err = meter.Float64Histogram("jobwatch.refetch.duration",
		metric.WithDescription("Snapshot fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RefetchErrors, err = meter.Int64Counter("jobwatch.refetch.errors",
		metric.WithDescription("Snapshot fetches that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RefetchSuperseded, err = meter.Int64Counter("jobwatch.refetch.superseded",
		metric.WithDescription("Snapshot responses discarded because a newer one was applied or the view closed"),
	)
	if err != nil {
		return nil, err
	}

	m.ControllersActive, err = meter.Int64UpDownCounter("jobwatch.controllers.active",
		metric.WithDescription("Number of mounted reconciliation controllers"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("jobwatch.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("jobwatch.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Components use it
// when constructed without metrics.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
