// escrowd - custodial escrow ledger for bridged payments
package main

import (
	"context"
	"os"

	"github.com/kustodia/escrowd/internal/config"
	"github.com/kustodia/escrowd/internal/logging"
	"github.com/kustodia/escrowd/internal/server"
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
		// Config may be unusable, so fall back to a plain logger.
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"custody", cfg.CustodyBackend,
		"chain_id", cfg.ChainID,
		"persistent", cfg.DatabaseURL != "",
	)

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
