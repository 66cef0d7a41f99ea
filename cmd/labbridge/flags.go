package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Flags fall back to environment variables
	fs.StringVar(&cfg.ConfigPath, "config",
		os.Getenv("LABBRIDGE_CONFIG"),
		"Path to a YAML or JSON configuration file (env: LABBRIDGE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		os.Getenv("LABBRIDGE_CONFIG"),
		"Path to a YAML or JSON configuration file (env: LABBRIDGE_CONFIG)")

	// Empty means "use the configuration file's log settings"
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")

	shutdown := 30 * time.Second
	if v := os.Getenv("LABBRIDGE_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("LABBRIDGE_SHUTDOWN_TIMEOUT: %w", err)
		}
		shutdown = d
	}
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", shutdown,
		"Graceful shutdown timeout (env: LABBRIDGE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.LogLevel)) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, strings.ToLower(cfg.LogFormat)) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - HL7 v2 lab results to FHIR R4

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a configuration file
  %s --config=/etc/labbridge/config.yaml

  # Run on defaults, pointing at a FHIR server through the environment
  export LABBRIDGE_FHIR_BASE_URL=http://hapi-fhir:8080/fhir
  export LABBRIDGE_NATS_URLS=nats://nats:4222
  %s

  # Validate configuration only
  %s --config=config.yaml --validate

A .env file in the working directory is loaded before flags are parsed.

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}
