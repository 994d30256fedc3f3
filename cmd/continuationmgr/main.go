package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AltairaLabs/continuation-manager/internal/config"
)

const appVersion = "0.1.0"

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	httpMode   = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
	configPath = flag.String("config", "", "Path to a YAML configuration file")
)

func newLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// loadConfig reads the file at path, applies the environment and the
// command line, and validates the result
func loadConfig(path string, getenv func(string) string, http bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(getenv)
	if http {
		cfg.Binding.HTTPMode = true
	}
	cfg.Binding.Version = appVersion
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *version {
		fmt.Println("Continuation Manager v" + appVersion)
		os.Exit(0)
	}

	logger := newLogger(*debug)
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath, os.Getenv, *httpMode)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Info("Starting Continuation Manager",
		"version", appVersion,
		"debug", *debug,
		"device", cfg.Device.ID,
		"peers", len(cfg.Peers),
		"storage", cfg.Storage.Backend,
		"grpc_port", cfg.Transport.GRPCPort,
		"http_mode", cfg.Binding.HTTPMode,
		"http_port", cfg.Binding.HTTPPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	if err := a.run(ctx, true); err != nil {
		logger.Error("Continuation manager stopped with error", "error", err)
		os.Exit(1)
	}
}
