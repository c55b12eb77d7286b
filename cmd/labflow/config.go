package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/labflow/internal/engine"
	"github.com/rendis/labflow/internal/scheduler"
)

// Config holds all labflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string          `json:"listen_addr"`
	DBPath          string          `json:"db_path"`
	HardwareConfig  string          `json:"hardware_config"`
	LogLevel        string          `json:"log_level"`
	PoolSize        int             `json:"pool_size"`
	StepDelay       Duration        `json:"step_delay"`
	PrimitivePause  Duration        `json:"primitive_pause"`
	RetryAttempts   int             `json:"retry_attempts"`
	RetryDelay      Duration        `json:"retry_delay"`
	MonitorSchedule string          `json:"monitor_schedule"`
	BroadcastURL    string          `json:"broadcast_url,omitempty"`
	Schedules       []scheduler.Job `json:"schedules,omitempty"`
}

// Duration is a time.Duration that reads and writes "1.5s" style strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// bare numbers are seconds
		var secs float64
		if err2 := json.Unmarshal(data, &secs); err2 != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	exec := engine.DefaultExecutorConfig()
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(labflowDir(), "provenance.db"),
		HardwareConfig:  filepath.Join(labflowDir(), "hardware.yaml"),
		LogLevel:        "info",
		PoolSize:        exec.PoolSize,
		StepDelay:       Duration(exec.StepDelay),
		PrimitivePause:  Duration(exec.PrimitivePause),
		MonitorSchedule: scheduler.DefaultMonitorSpec,
	}
}

func labflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labflow"
	}
	return filepath.Join(home, ".labflow")
}

func settingsPath() string {
	if v := os.Getenv("LABFLOW_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(labflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Env vars override.
	if v := os.Getenv("LABFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LABFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LABFLOW_HARDWARE_CONFIG"); v != "" {
		cfg.HardwareConfig = v
	}
	if v := os.Getenv("LABFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LABFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LABFLOW_STEP_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StepDelay = Duration(d)
		}
	}
	if v := os.Getenv("LABFLOW_PRIMITIVE_PAUSE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PrimitivePause = Duration(d)
		}
	}
	if v := os.Getenv("LABFLOW_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv("LABFLOW_MONITOR_SCHEDULE"); v != "" {
		cfg.MonitorSchedule = v
	}
	if v := os.Getenv("LABFLOW_BROADCAST_URL"); v != "" {
		cfg.BroadcastURL = v
	}

	return cfg
}

// executorConfig maps the CLI config onto the engine's.
func (c Config) executorConfig() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		PoolSize:       c.PoolSize,
		StepDelay:      time.Duration(c.StepDelay),
		PrimitivePause: time.Duration(c.PrimitivePause),
		TriggerSource:  engine.DefaultTriggerSource,
		Retry: engine.RetryPolicy{
			Attempts: c.RetryAttempts,
			Delay:    time.Duration(c.RetryDelay),
			Backoff:  "exponential",
		},
	}
}

// dbURI turns a plain path into a libSQL file URI.
func dbURI(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}
