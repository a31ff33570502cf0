// Churnshield - cancel-flow retention and churn risk scoring
package main

import (
	"context"
	"os"

	"github.com/mbd888/churnshield/internal/config"
	"github.com/mbd888/churnshield/internal/logging"
	"github.com/mbd888/churnshield/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is read
	logger := logging.New("info", "text")

	logger.Info("starting churnshield",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"database", cfg.DatabaseURL != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
		"risk_enabled", cfg.RiskEnabled,
		"risk_interval", cfg.RiskInterval.String(),
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
