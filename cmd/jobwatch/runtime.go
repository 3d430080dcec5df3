package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/jobwatch/internal/config"
	otelPkg "github.com/basket/jobwatch/internal/otel"
	"github.com/basket/jobwatch/internal/telemetry"
)

// cliRuntime holds what every long-running command sets up before its own work.
type cliRuntime struct {
	cfg    config.Config
	logger *slog.Logger
	level  *slog.LevelVar
	otel   *otelPkg.Provider
	close  func()
}

// startRuntime loads config, opens the log file and initialises telemetry.
// Startup failures exit the process.
func startRuntime(ctx context.Context, quietLogs bool) *cliRuntime {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, level, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_initialized", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	return &cliRuntime{
		cfg:    cfg,
		logger: logger,
		level:  level,
		otel:   provider,
		close: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("otel shutdown", "error", err)
			}
			_ = logCloser.Close()
		},
	}
}

// watchConfig applies log_level changes from config.yaml until ctx ends.
// Other settings take effect on restart.
func (rt *cliRuntime) watchConfig(ctx context.Context) error {
	w := config.NewWatcher(rt.cfg.HomeDir, rt.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	for range w.Events() {
		next, err := config.Load()
		if err != nil {
			rt.logger.Error("config reload rejected; keeping previous settings", "error", err)
			continue
		}
		if next.LogLevel != rt.cfg.LogLevel {
			rt.level.Set(telemetry.ParseLevel(next.LogLevel))
			rt.logger.Info("log level changed", "from", rt.cfg.LogLevel, "to", next.LogLevel)
			rt.cfg.LogLevel = next.LogLevel
		}
		if next.Fingerprint() != rt.cfg.Fingerprint() {
			rt.logger.Info("config changed; restart to apply", "config_fingerprint", next.Fingerprint())
		}
	}
	return nil
}
