package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/jobwatch/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "jw")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if body != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("JOBWATCH_HOME", home)
	for _, k := range []string{
		"JOBWATCH_BIND_ADDR", "JOBWATCH_LOG_LEVEL", "JOBWATCH_DB_PATH", "JOBWATCH_API_URL",
		"JOBWATCH_FEED_URL", "JOBWATCH_FEED_KIND", "JOBWATCH_REDIS_ADDR", "JOBWATCH_AUTH_TOKEN",
		"JOBWATCH_REFRESH_SCHEDULE", "JOBWATCH_OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := writeConfig(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.LogLevel != "info" || cfg.Server.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.DBPath != filepath.Join(home, "jobwatch.db") {
		t.Fatalf("DBPath = %q", cfg.Server.DBPath)
	}
	if cfg.Client.FeedURL != "ws://127.0.0.1:18790/ws/events" {
		t.Fatalf("FeedURL = %q", cfg.Client.FeedURL)
	}
	if !cfg.Client.RefetchEnabled() {
		t.Fatal("refetch_on_transition should default to true")
	}
	if cfg.OTel.Exporter != "none" || cfg.OTel.Enabled {
		t.Fatalf("unexpected otel defaults: %+v", cfg.OTel)
	}
}

func TestLoad_FromFile(t *testing.T) {
	writeConfig(t, `
log_level: DEBUG
server:
  bind_addr: 0.0.0.0:9000
  auth_token: s3cret
  allow_origins: ["https://dash.example.com"]
client:
  api_url: https://jobs.example.com/
  refresh_schedule: "@every 30s"
  refetch_on_transition: false
snapshot:
  status_table:
    published: success
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Client.APIURL != "https://jobs.example.com" {
		t.Fatalf("APIURL = %q", cfg.Client.APIURL)
	}
	if cfg.Client.FeedURL != "wss://jobs.example.com/ws/events" {
		t.Fatalf("FeedURL = %q", cfg.Client.FeedURL)
	}
	if cfg.Client.Token != "s3cret" {
		t.Fatalf("client token should inherit server auth_token, got %q", cfg.Client.Token)
	}
	if cfg.Client.RefetchEnabled() {
		t.Fatal("refetch_on_transition: false ignored")
	}
	if cfg.Snapshot.StatusTable["published"] != "success" {
		t.Fatalf("status table = %v", cfg.Snapshot.StatusTable)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeConfig(t, "log_level: info\n")
	t.Setenv("JOBWATCH_LOG_LEVEL", "warn")
	t.Setenv("JOBWATCH_BIND_ADDR", "127.0.0.1:1234")
	t.Setenv("JOBWATCH_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("JOBWATCH_AUTH_TOKEN", "tok")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Server.BindAddr != "127.0.0.1:1234" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Client.FeedKind != config.FeedRedis || cfg.Client.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("redis override: kind=%q addr=%q", cfg.Client.FeedKind, cfg.Client.RedisAddr)
	}
	if cfg.Server.AuthToken != "tok" || cfg.Client.Token != "tok" {
		t.Fatal("auth token override not applied to both sides")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"feed kind", "client:\n  feed_kind: carrier-pigeon\n", "feed_kind"},
		{"redis addr", "client:\n  feed_kind: redis\n", "redis_addr"},
		{"schedule", "client:\n  refresh_schedule: every now and then\n", "refresh_schedule"},
		{"status table", "snapshot:\n  status_table:\n    published: shipped\n", "status_table"},
		{"yaml", "server: [\n", "parse config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.body)
			_, err := config.Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	writeConfig(t, "")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}

	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("log level change did not alter fingerprint")
	}

	c := a
	c.Server.AuthToken = "other"
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("fingerprint must not depend on secrets")
	}
}
