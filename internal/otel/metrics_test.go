package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	instruments := map[string]any{
		"EventsIngested":    m.EventsIngested,
		"EventsMalformed":   m.EventsMalformed,
		"EventsStale":       m.EventsStale,
		"GateFired":         m.GateFired,
		"RefetchDuration":   m.RefetchDuration,
		"RefetchErrors":     m.RefetchErrors,
		"RefetchSuperseded": m.RefetchSuperseded,
		"ControllersActive": m.ControllersActive,
		"RequestDuration":   m.RequestDuration,
		"RateLimitRejects":  m.RateLimitRejects,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil || m.GateFired == nil {
		t.Fatal("expected usable noop instruments")
	}
	m.GateFired.Add(context.Background(), 1)
	m.ControllersActive.Add(context.Background(), -1)
}
