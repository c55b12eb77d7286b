package scheduler

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/labflow/internal/hardware"
	"github.com/rendis/labflow/pkg/schema"
)

// StatusSource reports per-family hardware status. Satisfied by
// *hardware.Manager.
type StatusSource interface {
	HardwareStatus() map[schema.Family]hardware.FamilyStatus
}

// DefaultMonitorSpec is the snapshot schedule used when none is configured.
const DefaultMonitorSpec = "@every 30s"

// HardwareMonitor takes periodic hardware status snapshots and logs
// connection changes between them.
type HardwareMonitor struct {
	source StatusSource
	logger *slog.Logger
	spec   string
	cron   *cron.Cron

	mu    sync.Mutex
	last  map[schema.Family]hardware.FamilyStatus
	taken time.Time
}

// NewHardwareMonitor creates a monitor. spec is a cron expression or
// descriptor; empty means DefaultMonitorSpec.
func NewHardwareMonitor(source StatusSource, logger *slog.Logger, spec string) (*HardwareMonitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultMonitorSpec
	}
	m := &HardwareMonitor{source: source, logger: logger, spec: spec}
	m.cron = cron.New(
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := m.cron.AddFunc(spec, m.Snapshot); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "hardware monitor schedule %q: %s", spec, err).WithCause(err)
	}
	return m, nil
}

// Start begins taking snapshots on the schedule.
func (m *HardwareMonitor) Start() {
	m.cron.Start()
	m.logger.Info("hardware monitor started", slog.String("schedule", m.spec))
}

// Stop halts the schedule and waits for a running snapshot to finish.
func (m *HardwareMonitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("hardware monitor stopped")
}

// Snapshot records the current status now.
func (m *HardwareMonitor) Snapshot() {
	current := m.source.HardwareStatus()

	m.mu.Lock()
	prev := m.last
	m.last = current
	m.taken = time.Now()
	m.mu.Unlock()

	for family, st := range current {
		before, seen := prev[family]
		switch {
		case !seen:
			m.logger.Debug("hardware status", slog.String("family", string(family)), slog.Bool("connected", st.Connected))
		case before.Connected && !st.Connected:
			m.logger.Warn("hardware disconnected", slog.String("family", string(family)))
		case !before.Connected && st.Connected:
			m.logger.Info("hardware connected", slog.String("family", string(family)))
		}
	}
}

// Last returns the most recent snapshot and when it was taken. The map is
// nil before the first snapshot.
func (m *HardwareMonitor) Last() (map[schema.Family]hardware.FamilyStatus, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil, time.Time{}
	}
	return maps.Clone(m.last), m.taken
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
