package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func runInit(args []string) int {
	defaults := defaultConfig()

	fs := flag.NewFlagSet("init", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", defaults.ListenAddr, "HTTP listen address for serve")
	dbPath := fs.String("db-path", defaults.DBPath, "provenance database path (empty disables provenance)")
	hwConfig := fs.String("hardware-config", defaults.HardwareConfig, "hardware config file (JSON or YAML)")
	logLevel := fs.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", defaults.PoolSize, "max concurrent workflow runs")
	stepDelay := fs.Duration("step-delay", time.Duration(defaults.StepDelay), "delay per legacy analysis step")
	primitivePause := fs.Duration("primitive-pause", time.Duration(defaults.PrimitivePause), "pause after each primitive")
	force := fs.Bool("force", false, "overwrite an existing settings file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := settingsPath()
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s exists (use --force to overwrite)\n", path)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", filepath.Dir(path), err)
		return 1
	}

	cfg := defaults
	cfg.ListenAddr = *listenAddr
	cfg.DBPath = *dbPath
	cfg.HardwareConfig = *hwConfig
	cfg.LogLevel = *logLevel
	cfg.PoolSize = *poolSize
	cfg.StepDelay = Duration(*stepDelay)
	cfg.PrimitivePause = Duration(*primitivePause)

	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("Config written to %s\n", path)
	return 0
}
