// refguard - referral fraud risk scoring service
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/refguard/internal/config"
	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Version == "dev" {
		cfg.Version = Version
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting refguard",
		"version", cfg.Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
