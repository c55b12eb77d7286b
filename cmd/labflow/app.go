package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/labflow/internal/engine"
	"github.com/rendis/labflow/internal/hardware"
	"github.com/rendis/labflow/internal/logging"
	"github.com/rendis/labflow/internal/metrics"
	"github.com/rendis/labflow/internal/store"
	"github.com/rendis/labflow/internal/streaming"
	"github.com/rendis/labflow/internal/validation"
	"github.com/rendis/labflow/pkg/schema"
)

// app is the wired dependency graph shared by the subcommands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	validator *validation.Validator
	hw        *hardware.Manager
	store     store.Store
	hub       *streaming.MemoryHub
	exec      *engine.Executor
}

type appOptions struct {
	noDB bool // skip provenance persistence
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	validator, err := newValidator()
	if err != nil {
		return nil, err
	}

	devices, err := loadHardware(cfg.HardwareConfig, validator, logger)
	if err != nil {
		return nil, err
	}
	hw := hardware.NewManager(devices,
		hardware.WithLogger(logger),
		hardware.WithMetrics(collector),
	)

	var st store.Store = store.NopStore{}
	if !opts.noDB && cfg.DBPath != "" {
		st, err = openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	hub := streaming.NewMemoryHub(streaming.WithDropHook(func(streaming.StreamEvent) {
		collector.NotificationDropped()
	}))

	exec := engine.NewExecutor(engine.Deps{
		Hardware:   hw,
		Hub:        hub,
		Provenance: st,
		Validator:  validator,
		Metrics:    collector,
		Logger:     logger,
	}, cfg.executorConfig())

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		metrics:   collector,
		validator: validator,
		hw:        hw,
		store:     st,
		hub:       hub,
		exec:      exec,
	}, nil
}

// loadHardware reads the hardware config. A missing file at the default
// location leaves every family unconfigured.
func loadHardware(path string, v hardware.ConfigValidator, logger *slog.Logger) (map[schema.Family]schema.DeviceConfig, error) {
	if path == "" {
		return nil, nil
	}
	devices, err := hardware.LoadConfigFile(path, v)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("no hardware config, device families unconfigured", "path", path)
			return nil, nil
		}
		return nil, err
	}
	logger.Info("hardware config loaded", "path", path, "families", len(devices))
	return devices, nil
}

// Close shuts the executor down, disconnects hardware and closes the store.
func (a *app) Close(ctx context.Context) {
	if err := a.exec.Shutdown(ctx); err != nil {
		a.logger.Warn("executor shutdown incomplete", "error", err)
	}
	a.hw.DisconnectAll(context.WithoutCancel(ctx))
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
