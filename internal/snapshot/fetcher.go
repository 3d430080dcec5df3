// Package snapshot reads an entity's own persisted status from the REST API.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// ErrNotFound is returned when the entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Fetcher loads the current snapshot of one entity.
type Fetcher interface {
	Fetch(ctx context.Context, entityType taskstatus.EntityType, entityID string) (taskstatus.Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, entityType taskstatus.EntityType, entityID string) (taskstatus.Snapshot, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, entityType taskstatus.EntityType, entityID string) (taskstatus.Snapshot, error) {
	return f(ctx, entityType, entityID)
}

// Document is the JSON body of GET /api/entities/{type}/{id}.
type Document struct {
	EntityType    taskstatus.EntityType `json:"entity_type"`
	EntityID      string                `json:"entity_id"`
	Status        string                `json:"status"`
	StatusMessage string                `json:"status_message,omitempty"`
	Fields        map[string]any        `json:"fields,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// EntityPath returns the REST path for an entity.
func EntityPath(entityType taskstatus.EntityType, entityID string) string {
	return "/api/entities/" + url.PathEscape(string(entityType)) + "/" + url.PathEscape(entityID)
}

const maxBodyBytes = 1 << 20

// HTTPFetcher fetches snapshots from a jobwatch-compatible REST API.
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(f *HTTPFetcher) { f.token = token }
}

// WithTracer records a client span per fetch.
func WithTracer(t trace.Tracer) Option {
	return func(f *HTTPFetcher) { f.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = l }
}

// NewHTTPFetcher returns a fetcher for the API rooted at baseURL.
func NewHTTPFetcher(baseURL string, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		tracer:  otelPkg.NoopTracer(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "snapshot")
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, entityType taskstatus.EntityType, entityID string) (snap taskstatus.Snapshot, err error) {
	ctx, span := otelPkg.StartClientSpan(ctx, f.tracer, "snapshot.fetch",
		otelPkg.AttrEntityType.String(string(entityType)),
		otelPkg.AttrEntityID.String(entityID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	endpoint := f.baseURL + EntityPath(entityType, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return taskstatus.Snapshot{}, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return taskstatus.Snapshot{}, fmt.Errorf("fetch %s/%s: %w", entityType, entityID, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return taskstatus.Snapshot{}, fmt.Errorf("read snapshot body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return taskstatus.Snapshot{}, fmt.Errorf("%s/%s: %w", entityType, entityID, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return taskstatus.Snapshot{}, fmt.Errorf("fetch %s/%s: unexpected status %d: %s",
			entityType, entityID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return taskstatus.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	f.logger.Debug("snapshot fetched", "entity", entityType.String()+"/"+entityID, "status", doc.Status)
	return taskstatus.Snapshot{
		Status:        doc.Status,
		StatusMessage: doc.StatusMessage,
		Fields:        doc.Fields,
		FetchedAt:     f.now(),
	}, nil
}
