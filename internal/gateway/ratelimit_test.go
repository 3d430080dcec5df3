package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/jobwatch/internal/config"
)

func TestRateLimiter_PerRemoteBuckets(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1}, nil)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("second request should exceed burst")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other remote should have its own bucket")
	}
	if rl.Len() != 2 {
		t.Fatalf("Len = %d", rl.Len())
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true}, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.Allow("old")
	now = now.Add(20 * time.Minute)
	rl.Allow("new")

	rl.EvictStale(10 * time.Minute)
	if rl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_DisabledPassesThrough(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1}, nil)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: code = %d", i, rec.Code)
		}
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "def") }, "def"},
		{"none", func(*http.Request) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)
			if got := ExtractAPIKey(r); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
	r := httptest.NewRequest(http.MethodGet, "/ws/events?api_key=ghi", nil)
	if got := ExtractAPIKey(r); got != "ghi" {
		t.Fatalf("query key = %q", got)
	}
}
