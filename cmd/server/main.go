// Fraudscan - Transaction risk scoring and geospatial consistency API
package main

import (
	"context"
	"os"

	"github.com/kestrelhq/fraudscan/internal/config"
	"github.com/kestrelhq/fraudscan/internal/logging"
	"github.com/kestrelhq/fraudscan/internal/server"
	"github.com/kestrelhq/fraudscan/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFmt)

	logger.Info("starting fraudscan",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTraces(context.Background()); err != nil {
				logger.Warn("trace shutdown error", "error", err)
			}
		}()
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
