package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/taskstatus"
)

// Feed kinds accepted in client.feed_kind.
const (
	FeedWebSocket = "ws"
	FeedRedis     = "redis"
	FeedStdin     = "stdin"
)

// RateLimitConfig bounds POST /api/events per remote.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls browser access to the REST API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ServerConfig configures `jobwatch serve`.
type ServerConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	DBPath    string `yaml:"db_path"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin patterns accepted on /ws/events. Empty means
	// same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	CORS         CORSConfig      `yaml:"cors"`
}

// ClientConfig configures `jobwatch watch` and `jobwatch list`.
type ClientConfig struct {
	APIURL       string `yaml:"api_url"`
	FeedURL      string `yaml:"feed_url"`
	FeedKind     string `yaml:"feed_kind"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	Token        string `yaml:"token"`

	// RefreshSchedule is a cron spec (e.g. "@every 30s") for periodic
	// snapshot polling. Empty disables polling.
	RefreshSchedule string `yaml:"refresh_schedule"`

	// RefetchOnTransition refetches the snapshot when a live task turns
	// terminal. Nil means true.
	RefetchOnTransition *bool `yaml:"refetch_on_transition"`
}

// RefetchEnabled reports the effective refetch_on_transition value.
func (c ClientConfig) RefetchEnabled() bool {
	return c.RefetchOnTransition == nil || *c.RefetchOnTransition
}

// SnapshotConfig adjusts how persisted entity status strings classify.
type SnapshotConfig struct {
	// StatusTable maps extra entity status strings (case-insensitive) to
	// task statuses, e.g. {"published": "SUCCESS"}.
	StatusTable map[string]string `yaml:"status_table"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	OTel     otelPkg.Config `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are left
// out so the value can be shown on /healthz.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|log=%s|origins=%v|rl=%v/%d/%d|api=%s|feed=%s:%s|redis=%s/%s|refresh=%s|refetch=%t",
		c.Server.BindAddr, c.Server.DBPath, c.LogLevel, c.Server.AllowOrigins,
		c.Server.RateLimit.Enabled, c.Server.RateLimit.RequestsPerMinute, c.Server.RateLimit.BurstSize,
		c.Client.APIURL, c.Client.FeedKind, c.Client.FeedURL, c.Client.RedisAddr, c.Client.RedisChannel,
		c.Client.RefreshSchedule, c.Client.RefetchEnabled())
	keys := make([]string, 0, len(c.Snapshot.StatusTable))
	for k := range c.Snapshot.StatusTable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|st:%s=%s", k, c.Snapshot.StatusTable[k])
	}
	fmt.Fprintf(h, "|otel=%t/%s/%s", c.OTel.Enabled, c.OTel.Exporter, c.OTel.Endpoint)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			BindAddr:     "127.0.0.1:18790",
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				BurstSize:         50,
			},
		},
		Client: ClientConfig{
			APIURL:       "http://127.0.0.1:18790",
			FeedKind:     FeedWebSocket,
			RedisChannel: "jobwatch.task_status",
		},
		OTel: otelPkg.Config{
			Exporter:    "none",
			ServiceName: otelPkg.ServiceName,
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns $JOBWATCH_HOME or ~/.jobwatch.
func HomeDir() string {
	if override := os.Getenv("JOBWATCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".jobwatch")
}

// Load reads config.yaml from HomeDir, applies env overrides, normalizes and
// validates. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create jobwatch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = filepath.Join(cfg.HomeDir, "jobwatch.db")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.RateLimit.RequestsPerMinute <= 0 {
		cfg.Server.RateLimit.RequestsPerMinute = 600
	}
	if cfg.Server.RateLimit.BurstSize <= 0 {
		cfg.Server.RateLimit.BurstSize = 50
	}

	cfg.Client.APIURL = strings.TrimRight(strings.TrimSpace(cfg.Client.APIURL), "/")
	if cfg.Client.APIURL == "" {
		cfg.Client.APIURL = "http://" + cfg.Server.BindAddr
	}
	cfg.Client.FeedKind = strings.ToLower(strings.TrimSpace(cfg.Client.FeedKind))
	if cfg.Client.FeedKind == "" {
		cfg.Client.FeedKind = FeedWebSocket
	}
	if cfg.Client.FeedURL == "" && cfg.Client.FeedKind == FeedWebSocket {
		cfg.Client.FeedURL = feedURLFromAPI(cfg.Client.APIURL)
	}
	if cfg.Client.RedisChannel == "" {
		cfg.Client.RedisChannel = "jobwatch.task_status"
	}
	if cfg.Client.Token == "" {
		cfg.Client.Token = cfg.Server.AuthToken
	}
	cfg.Client.RefreshSchedule = strings.TrimSpace(cfg.Client.RefreshSchedule)

	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = otelPkg.ServiceName
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
}

// feedURLFromAPI derives ws(s)://host/ws/events from the REST base URL.
func feedURLFromAPI(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/events"
	return u.String()
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel))
	}
	switch cfg.Client.FeedKind {
	case FeedWebSocket:
		if cfg.Client.FeedURL == "" {
			errs = append(errs, errors.New("client.feed_url is required for feed_kind ws"))
		}
	case FeedRedis:
		if cfg.Client.RedisAddr == "" {
			errs = append(errs, errors.New("client.redis_addr is required for feed_kind redis"))
		}
	case FeedStdin:
	default:
		errs = append(errs, fmt.Errorf("client.feed_kind %q must be ws, redis or stdin", cfg.Client.FeedKind))
	}
	if cfg.Client.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Client.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("client.refresh_schedule %q: %w", cfg.Client.RefreshSchedule, err))
		}
	}
	for raw, status := range cfg.Snapshot.StatusTable {
		if _, err := taskstatus.ParseStatus(status); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.status_table[%q]: %w", raw, err))
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("JOBWATCH_BIND_ADDR"); raw != "" {
		cfg.Server.BindAddr = raw
	}
	if raw := os.Getenv("JOBWATCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("JOBWATCH_DB_PATH"); raw != "" {
		cfg.Server.DBPath = raw
	}
	if raw := os.Getenv("JOBWATCH_API_URL"); raw != "" {
		cfg.Client.APIURL = raw
	}
	if raw := os.Getenv("JOBWATCH_FEED_URL"); raw != "" {
		cfg.Client.FeedURL = raw
	}
	if raw := os.Getenv("JOBWATCH_FEED_KIND"); raw != "" {
		cfg.Client.FeedKind = raw
	}
	if raw := os.Getenv("JOBWATCH_REDIS_ADDR"); raw != "" {
		cfg.Client.RedisAddr = raw
		if os.Getenv("JOBWATCH_FEED_KIND") == "" {
			cfg.Client.FeedKind = FeedRedis
		}
	}
	if raw := os.Getenv("JOBWATCH_AUTH_TOKEN"); raw != "" {
		cfg.Server.AuthToken = raw
		cfg.Client.Token = raw
	}
	if raw := os.Getenv("JOBWATCH_REFRESH_SCHEDULE"); raw != "" {
		cfg.Client.RefreshSchedule = raw
	}
	if raw := os.Getenv("JOBWATCH_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
