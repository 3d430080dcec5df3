package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/jobwatch/internal/audit"
	"github.com/basket/jobwatch/internal/config"
	otelPkg "github.com/basket/jobwatch/internal/otel"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces per-remote token bucket limits on event ingest.
// Remotes are keyed by client IP; workers usually share one token.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	metrics *otelPkg.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewRateLimiter applies defaults of 600 requests per minute with a burst of
// 50 for unset fields.
func NewRateLimiter(cfg config.RateLimitConfig, metrics *otelPkg.Metrics) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 50
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	return &RateLimiter{
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.cfg.RequestsPerMinute)/60.0), rl.cfg.BurstSize),
		}
		rl.entries[key] = e
	}
	e.lastAccess = now
	rl.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// StartEviction periodically removes limiters idle for longer than maxAge.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes limiters that haven't been used within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, e := range rl.entries {
		if e.lastAccess.Before(cutoff) {
			delete(rl.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.entries))
	}
}

// Len returns the number of tracked remotes.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Wrap rejects requests over the limit with 429.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := remoteKey(r); !rl.Allow(key) {
			rl.metrics.RateLimitRejects.Add(r.Context(), 1)
			audit.Record("deny", "api.events.ingest", "rate_limited", key, "")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
