// Package main is the entry point for the AI Bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-bridge/internal/bridge"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/gateway"
	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/ratelimit"
)

const appName = "ai-bridge"

// loadEnvFiles loads .env from the user config dir, then the working
// directory. Variables already set in the environment win.
func loadEnvFiles() {
	if dir := userConfigDir(); dir != "" {
		configEnv := filepath.Join(dir, ".env")
		if _, err := os.Stat(configEnv); err == nil {
			_ = godotenv.Load(configEnv)
		}
	}
	_ = godotenv.Load()
}

// userConfigDir returns ~/.config/ai-bridge, or "" without a home dir.
func userConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", appName)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			os.Exit(runServe(os.Args[2:]))
		case "version", "-v", "--version":
			printVersion(os.Stdout)
			return
		case "help", "-h", "--help":
			printHelp(os.Stdout)
			return
		}
	}
	// Default: serve with flags.
	os.Exit(runServe(os.Args[1:]))
}

// resolveConfig finds the config to load.
// Checks: user flag -> filesystem locations -> embedded default.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if dir := userConfigDir(); dir != "" {
		searchPaths = append(searchPaths, filepath.Join(dir, "bridge.yaml"))
	}
	searchPaths = append(searchPaths, "configs/bridge.yaml", "bridge.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := embeddedConfig("bridge")
	if err != nil {
		return nil, "", fmt.Errorf("no config file found and no embedded default: %w", err)
	}
	return data, "(embedded) bridge.yaml", nil
}

// runServe starts the HTTP server and blocks until SIGINT/SIGTERM.
func runServe(args []string) int {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	noBanner := fs.Bool("no-banner", false, "suppress startup banner")
	_ = fs.Parse(args)

	if !*noBanner {
		printBanner(os.Stdout)
	}

	data, source, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", source, err)
		return 1
	}

	logCfg := monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	}
	if *debug {
		logCfg.Level = "debug"
	}
	logger := monitoring.Global(logCfg)

	logger.Info().
		Str("version", bridge.Version).
		Str("config", source).
		Msg("AI Bridge starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := buildOptions(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise dependencies")
		return 1
	}
	defer cleanup()

	b, err := bridge.New(cfg, opts)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build bridge")
		return 1
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn().Err(err).Msg("bridge close")
		}
	}()

	gw := gateway.New(cfg, b, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("gateway error")
			return 1
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("gateway shutdown error")
		}
		<-errCh
	}

	log.Info().Msg("AI Bridge stopped")
	return 0
}

// buildOptions opens the configured audit sink and window store. cleanup
// releases whatever the bridge does not own.
func buildOptions(ctx context.Context, cfg *config.Config, logger *monitoring.Logger) (bridge.Options, func(), error) {
	opts := bridge.Options{Logger: logger}
	cleanup := func() {}

	switch cfg.Monitoring.AuditSink {
	case config.AuditSinkJSONL:
		sink, err := monitoring.NewJSONLAuditSink(cfg.Monitoring.AuditPath)
		if err != nil {
			return opts, cleanup, fmt.Errorf("open jsonl audit sink: %w", err)
		}
		opts.AuditSink = sink
	case config.AuditSinkSQLite:
		sink, err := monitoring.NewSQLiteAuditSink(cfg.Monitoring.AuditPath)
		if err != nil {
			return opts, cleanup, fmt.Errorf("open sqlite audit sink: %w", err)
		}
		opts.AuditSink = sink
	}

	if cfg.Limits.Backend == config.LimitsBackendRedis {
		store, err := ratelimit.NewRedisStore(ctx, cfg.Limits.RedisURL, cfg.Limits.KeyPrefix)
		if err != nil {
			if opts.AuditSink != nil {
				_ = opts.AuditSink.Close()
			}
			return opts, cleanup, fmt.Errorf("connect rate limit store: %w", err)
		}
		opts.WindowStore = store
		cleanup = func() {
			if err := store.Close(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("close rate limit store")
			}
		}
	}
	return opts, cleanup, nil
}
