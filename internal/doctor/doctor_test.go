package doctor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/jobwatch/internal/config"
	"github.com/basket/jobwatch/internal/persistence"
	"github.com/basket/jobwatch/internal/taskstatus"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		Server:  config.ServerConfig{DBPath: filepath.Join(home, "jobwatch.db")},
		Client:  config.ClientConfig{FeedKind: config.FeedStdin},
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(nil, nil); got.Status != "FAIL" {
		t.Fatalf("nil config: %+v", got)
	}
	cfg := testConfig(t)
	if got := checkConfig(cfg, errors.New("bad log_level")); got.Status != "FAIL" || got.Detail != "bad log_level" {
		t.Fatalf("invalid config: %+v", got)
	}
	if got := checkConfig(cfg, nil); got.Status != "WARN" {
		t.Fatalf("missing file: expected WARN, got %+v", got)
	}
	if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkConfig(cfg, nil); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	if got := checkDatabase(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("absent db: expected SKIP, got %+v", got)
	}

	store, err := persistence.Open(cfg.Server.DBPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.UpsertEntity(context.Background(), persistence.Entity{
		Type: taskstatus.EntityDataset, ID: "7", Status: "ready",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	store.Close()

	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	if got.Detail != "entities=1 latest_events=0" {
		t.Fatalf("detail = %q", got.Detail)
	}
}

func TestCheckSchedule(t *testing.T) {
	cfg := testConfig(t)
	if got := checkSchedule(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %+v", got)
	}
	cfg.Client.RefreshSchedule = "@every 30s"
	if got := checkSchedule(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.Client.RefreshSchedule = "not a schedule"
	if got := checkSchedule(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckAPI(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	cfg := testConfig(t)
	cfg.Client.APIURL = healthy.URL
	if got := checkAPI(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	cfg.Client.APIURL = broken.URL
	if got := checkAPI(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}

	cfg.Client.APIURL = ""
	if got := checkAPI(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %+v", got)
	}
}

func TestCheckFeed_WebSocketHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Client.FeedKind = config.FeedWebSocket
	cfg.Client.FeedURL = "ws" + srv.URL[len("http"):] + "/ws/events"
	if got := checkFeed(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}

	cfg.Client.FeedURL = "::bad"
	if got := checkFeed(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}

	cfg.Client.FeedKind = config.FeedStdin
	if got := checkFeed(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("stdin: expected PASS, got %+v", got)
	}
}

func TestRun_CountsFailures(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, errors.New("broken"), "test")
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	if len(d.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(d.Results))
	}
	if d.Failed() != 1 {
		t.Fatalf("failed = %d, want 1: %+v", d.Failed(), d.Results)
	}
}
