package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPaths string
	fs.StringVar(&configPaths, "config",
		getEnv("LOOPCORE_CONFIG", ""),
		"Comma-separated config layers, later files win (env: LOOPCORE_CONFIG)")
	fs.StringVar(&configPaths, "c",
		getEnv("LOOPCORE_CONFIG", ""),
		"Shorthand for --config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("LOOPCORE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: LOOPCORE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("LOOPCORE_LOG_FORMAT", "text"),
		"Log format: json, text (env: LOOPCORE_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("LOOPCORE_DEBUG", false),
		"Enable debug logging (env: LOOPCORE_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("LOOPCORE_SHUTDOWN_TIMEOUT", 5*time.Second),
		"Time allowed to flush state on exit (env: LOOPCORE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(configPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
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

	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - realtime workflow and chat client

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Console commands:
  sub <topic>               subscribe to a topic
  unsub <topic>             unsubscribe
  send <topic> <text>       post a chat message
  select <workflow>         load a workflow
  rename <workflow> <name>  rename a workflow
  run <workflow>            trigger a run
  dismiss <notification>    dismiss a notification
  connect | disconnect | logout | quit

Examples:
  # Layer a local override over the shared config
  %s --config=loopcore.yaml,loopcore.local.json

  # Point at another server without a config file
  LOOPCORE_URL=wss://chat.example.com/ws LOOPCORE_TOKEN=... %s

Version: %s
Build: %s
`, appName, appName, Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
