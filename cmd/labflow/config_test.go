package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("LABFLOW_SETTINGS", path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("LABFLOW_SETTINGS", filepath.Join(t.TempDir(), "missing.json"))

	cfg := loadConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, Duration(time.Second), cfg.StepDelay)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.PrimitivePause)
	assert.Equal(t, "@every 30s", cfg.MonitorSchedule)
	assert.Equal(t, "provenance.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	writeSettings(t, `{
		"listen_addr": ":9000",
		"log_level": "debug",
		"pool_size": 3,
		"step_delay": "250ms",
		"primitive_pause": 0.1,
		"schedules": [{"id": "nightly", "cron": "@daily", "enabled": true, "task": {"task_type": "sdl_workflow"}}]
	}`)
	t.Setenv("LABFLOW_LOG_LEVEL", "warn")
	t.Setenv("LABFLOW_POOL_SIZE", "not-a-number")
	t.Setenv("LABFLOW_RETRY_ATTEMPTS", "2")

	cfg := loadConfig()
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel, "env wins over settings")
	assert.Equal(t, 3, cfg.PoolSize, "bad env values are ignored")
	assert.Equal(t, Duration(250*time.Millisecond), cfg.StepDelay)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.PrimitivePause)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].ID)

	exec := cfg.executorConfig()
	assert.Equal(t, 3, exec.PoolSize)
	assert.Equal(t, 250*time.Millisecond, exec.StepDelay)
	assert.Equal(t, 2, exec.Retry.Attempts)
	assert.Equal(t, "exponential", exec.Retry.Backoff)
}

func TestDuration_RoundTrip(t *testing.T) {
	data, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2m"`), &d))
	assert.Equal(t, Duration(2*time.Minute), d)
	require.NoError(t, json.Unmarshal([]byte(`3`), &d))
	assert.Equal(t, Duration(3*time.Second), d)
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDBURI(t *testing.T) {
	assert.Equal(t, "", dbURI(""))
	assert.Equal(t, ":memory:", dbURI(":memory:"))
	assert.Equal(t, "file:/tmp/p.db", dbURI("/tmp/p.db"))
	assert.Equal(t, "file:/tmp/p.db", dbURI("file:/tmp/p.db"))
	assert.Equal(t, "libsql://db.example.com", dbURI("libsql://db.example.com"))
}

func TestRunInit_WritesSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	t.Setenv("LABFLOW_SETTINGS", path)

	require.Equal(t, 0, runInit([]string{"--pool-size", "4", "--db-path", "", "--step-delay", "0s"}))
	cfg := loadConfig()
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "", cfg.DBPath)
	assert.Equal(t, Duration(0), cfg.StepDelay)

	assert.Equal(t, 1, runInit(nil), "refuses to overwrite")
	assert.Equal(t, 0, runInit([]string{"--force"}))
}
