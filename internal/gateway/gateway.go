// Package gateway is the server side of jobwatch: the entity snapshot REST
// API, event ingest, the latest-task listing and the /ws/events push channel.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/jobwatch/internal/audit"
	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/config"
	"github.com/basket/jobwatch/internal/feed"
	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/persistence"
	"github.com/basket/jobwatch/internal/shared"
	"github.com/basket/jobwatch/internal/statusstore"
	"github.com/basket/jobwatch/internal/taskstatus"
)

type Config struct {
	Store *persistence.Store
	Tasks *statusstore.Store
	Bus   *bus.Bus

	// AuthToken guards every route except /healthz. Empty disables auth.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for /ws/events. Empty
	// means same-origin only.
	AllowOrigins []string

	RateLimit    config.RateLimitConfig
	CORS         config.CORSConfig
	MaxBodyBytes int64

	// IngestTimeout bounds how long POST /api/events waits for the store
	// pump to take an event before answering 503.
	IngestTimeout time.Duration

	// ConfigFingerprint is reported on /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	ingestor *feed.Ingestor
	pump     *feed.Pump
	limiter  *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// New builds a Server. It subscribes to the bus immediately so events
// accepted before Run starts are not lost.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Tasks == nil {
		cfg.Tasks = statusstore.New(logger)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = 5 * time.Second
	}
	logger = logger.With("component", "gateway")
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		ingestor: feed.NewIngestor(cfg.Bus, logger, cfg.Metrics, cfg.Tracer),
		pump:     feed.NewPump(cfg.Bus, cfg.Tasks, logger, cfg.Metrics),
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		clients:  map[*client]struct{}{},
	}
}

// Restore replays persisted latest events into the task store so a restarted
// server answers /api/tasks and broadcasts from where it stopped. Call it
// before Run.
func (s *Server) Restore(ctx context.Context) (int, error) {
	if s.cfg.Store == nil {
		return 0, nil
	}
	events, err := s.cfg.Store.LoadLatestEvents(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if s.cfg.Tasks.Upsert(ev) {
			n++
		}
	}
	s.logger.Info("restored latest task events", "count", n)
	return n, nil
}

// Run moves accepted events into the task store, persisting and
// broadcasting each applied one, until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	unsubscribe := s.cfg.Tasks.Subscribe(func(ev taskstatus.Event) {
		s.onApplied(ctx, ev)
	})
	defer unsubscribe()
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	return s.pump.Run(ctx)
}

func (s *Server) onApplied(ctx context.Context, ev taskstatus.Event) {
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveLatestEvent(ctx, ev); err != nil && ctx.Err() == nil {
			s.logger.Error("persist latest event", "task_id", ev.TaskID, "error", err)
		}
	}
	s.broadcast(ev)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /api/entities", s.route("entities.list", s.handleListEntities))
	mux.Handle("GET /api/entities/{type}/{id}", s.route("entities.get", s.handleGetEntity))
	mux.Handle("PUT /api/entities/{type}/{id}", s.route("entities.put", s.handlePutEntity))
	mux.Handle("POST /api/events", s.limiter.Wrap(s.route("events.ingest", s.handleIngestEvent)))
	mux.Handle("GET /api/tasks", s.route("tasks.list", s.handleListTasks))
	mux.HandleFunc("GET /ws/events", s.handleWS)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// route wraps h with a trace id, auth, a server span and the request
// duration metric.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if !s.authorize(r) {
			audit.Record("deny", "api."+name, "unauthorized", remoteKey(r), shared.TraceID(ctx))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		start := time.Now()
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "http."+name,
			attribute.String("http.request.method", r.Method),
		)
		defer span.End()
		h(w, r.WithContext(ctx))
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("route", name)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			dbOK = false
		}
	}
	stats := s.cfg.Tasks.Stats()
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            otelPkg.Version,
		"tasks":              s.cfg.Tasks.Len(),
		"events_applied":     stats.Applied,
		"events_stale":       stats.Stale,
		"ws_clients":         s.ClientCount(),
		"audit_denials":      audit.DenyCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
