// Package doctor runs local diagnostics for a jobwatch installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/basket/jobwatch/internal/config"
	"github.com/basket/jobwatch/internal/persistence"
	"github.com/basket/jobwatch/internal/poller"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			n++
		}
	}
	return n
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. cfgErr is the error config.Load
// returned, if any; the remaining checks still run against the defaults.
func Run(ctx context.Context, cfg *config.Config, cfgErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, cfgErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkPermissions,
		checkDatabase,
		checkSchedule,
		checkAPI,
		checkFeed,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, cfgErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfgErr != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: cfgErr.Error()}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Server.DBPath == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.Server.DBPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Not created yet (run jobwatch serve)", Detail: cfg.Server.DBPath}
	}

	store, err := persistence.Open(cfg.Server.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	entities, err := store.ListEntities(ctx, "", 0)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	events, err := store.LoadLatestEvents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("entities=%d latest_events=%d", len(entities), len(events)),
	}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Client.RefreshSchedule == "" {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "Polling disabled"}
	}
	next, err := poller.NextRunTime(cfg.Client.RefreshSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: fmt.Sprintf("Invalid refresh_schedule: %v", err)}
	}
	return CheckResult{Name: "Schedule", Status: "PASS", Message: fmt.Sprintf("Next refresh at %s", next.Format(time.RFC3339))}
}

func checkAPI(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Client.APIURL == "" {
		return CheckResult{Name: "API", Status: "SKIP", Message: "api_url not set"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	target := strings.TrimRight(cfg.Client.APIURL, "/") + "/healthz"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return CheckResult{Name: "API", Status: "FAIL", Message: fmt.Sprintf("Bad api_url: %v", err)}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Name: "API", Status: "WARN", Message: fmt.Sprintf("Unreachable: %v", err), Detail: target}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "API", Status: "FAIL", Message: fmt.Sprintf("Health returned %d", resp.StatusCode), Detail: target}
	}
	return CheckResult{Name: "API", Status: "PASS", Message: fmt.Sprintf("Healthy (%dms)", latency.Milliseconds()), Detail: target}
}

func checkFeed(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Feed", Status: "SKIP", Message: "Config missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	switch cfg.Client.FeedKind {
	case config.FeedStdin:
		return CheckResult{Name: "Feed", Status: "PASS", Message: "Reading events from stdin"}
	case config.FeedRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Client.RedisAddr, DialTimeout: 3 * time.Second})
		defer rdb.Close()
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			return CheckResult{Name: "Feed", Status: "WARN", Message: fmt.Sprintf("Redis unreachable: %v", err), Detail: cfg.Client.RedisAddr}
		}
		return CheckResult{Name: "Feed", Status: "PASS", Message: "Redis reachable", Detail: cfg.Client.RedisAddr}
	}

	u, err := url.Parse(cfg.Client.FeedURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Feed", Status: "FAIL", Message: fmt.Sprintf("Bad feed_url %q", cfg.Client.FeedURL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(checkCtx, "tcp", host)
	if err != nil {
		return CheckResult{Name: "Feed", Status: "WARN", Message: fmt.Sprintf("Websocket host unreachable: %v", err), Detail: cfg.Client.FeedURL}
	}
	conn.Close()
	return CheckResult{Name: "Feed", Status: "PASS", Message: "Websocket host reachable", Detail: cfg.Client.FeedURL}
}
