// Package main implements the HoneyGrid collector daemon.
// It accepts mutually authenticated agent connections, persists honeytoken
// events in the encrypted store and serves the operator read API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/api"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/config"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	devMode := flag.Bool("dev", false, "Human-readable console logging")
	listenAddr := flag.String("listen", "", "Agent listener address (overrides config)")
	apiAddr := flag.String("api-listen", "", "Operator API address (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *listenAddr != "" {
		cfg.Listen.Address = *listenAddr
	}
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg.Log, *devMode)

	api.Version = Version
	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Str("transport", cfg.Listen.Transport).
		Msg("HoneyGrid collector starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newCollector(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start collector")
	}

	// Blocks until a signal arrives or a component fails
	if err := c.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Collector error")
	}

	log.Info().Msg("Collector shutdown complete")
}

func setupLogging(cfg config.LogConfig, dev bool) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !dev && cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
