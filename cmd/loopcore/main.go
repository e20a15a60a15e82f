// Package main implements the loopcore console client: a realtime workflow
// and chat client driven by the unidirectional state engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/loopcore/config"
	"github.com/c360/loopcore/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "loopcore"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui := newConsole(os.Stdout)
	c, err := newClient(ctx, cfg, logger, metric.NewMetricsRegistry(), ui)
	if err != nil {
		return err
	}

	logger.Info("loopcore started", "url", cfg.Transport.URL, "storage", cfg.Storage.Mode)
	err = c.run(ctx, os.Stdin, ui)
	if errors.Is(err, errQuit) {
		err = nil
	}

	if shutdownErr := c.shutdown(cliCfg.ShutdownTimeout); shutdownErr != nil {
		logger.Warn("shutdown incomplete", "error", shutdownErr)
	}
	logger.Info("loopcore stopped")
	return err
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	logger.Debug("Starting loopcore",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths)

	return cliCfg, logger, false, nil
}

// loadConfig merges the given layers over the defaults
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
