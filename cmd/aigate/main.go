// Package main is the entry point for the AI service proxy.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/puntaiq/aigate/internal/config"
	"github.com/puntaiq/aigate/internal/gateway"
	"github.com/puntaiq/aigate/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	gw := initGateway(cfg, logger)

	runGateway(gw, cfg, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AIGATE_CONFIG_PATH", ""),
		"Path to configuration file (optional, env vars apply on top)")
	logLevel := flag.String("log-level", getEnvOrDefault("AIGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AIGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("aigate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting aigate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("listen_addr", cfg.ListenAddr),
		observability.String("ops_addr", cfg.OpsAddr),
		observability.String("route_prefix", cfg.RoutePrefix),
		observability.String("upstream", cfg.Upstream.URL()),
		observability.String("process_command", cfg.Process.Command),
		observability.Int("max_start_attempts", cfg.MaxStartAttempts),
	)

	return cfg
}

// initGateway builds the gateway from configuration.
func initGateway(cfg *config.Config, logger observability.Logger) *gateway.Gateway {
	metrics := observability.NewMetrics("aigate")

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithVersion(version),
	)
	if err != nil {
		logger.Fatal("failed to initialize gateway", observability.Error(err))
	}

	return gw
}
