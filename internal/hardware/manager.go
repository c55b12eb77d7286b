package hardware

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/labflow/internal/expressions"
	"github.com/rendis/labflow/internal/logging"
	"github.com/rendis/labflow/internal/metrics"
	"github.com/rendis/labflow/pkg/schema"
)

// FamilyStatus is one entry of Manager.HardwareStatus.
type FamilyStatus struct {
	Connected bool `json:"connected"`
	Status    any  `json:"status"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory overrides the handler factory for one family.
func WithFactory(family schema.Family, f Factory) Option {
	return func(m *Manager) { m.factories[family] = f }
}

// WithLogger sets the manager and handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records operation and connect metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithBreaker configures the per-family connect breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(m *Manager) { m.breakers = newBreakerSet(cfg) }
}

// Manager owns one lazily connected handler per configured family and
// serializes operations on each family. A Manager is safe for concurrent
// use by any number of runs.
type Manager struct {
	configs   map[schema.Family]schema.DeviceConfig
	factories map[schema.Family]Factory
	logger    *slog.Logger
	metrics   *metrics.Collector
	breakers  *breakerSet
	guards    *expressions.CELEngine

	connect singleflight.Group

	mu       sync.RWMutex
	handlers map[schema.Family]Handler
	locks    map[schema.Family]*semaphore.Weighted
}

// NewManager creates a manager for the given family configs. No device is
// contacted until its first operation.
func NewManager(configs map[schema.Family]schema.DeviceConfig, opts ...Option) *Manager {
	m := &Manager{
		configs:   make(map[schema.Family]schema.DeviceConfig, len(configs)),
		factories: DefaultFactories(),
		logger:    slog.Default(),
		breakers:  newBreakerSet(DefaultBreakerConfig()),
		handlers:  make(map[schema.Family]Handler),
		locks:     make(map[schema.Family]*semaphore.Weighted),
	}
	for f, cfg := range configs {
		cfg.Family = f
		m.configs[f] = cfg
		m.locks[f] = semaphore.NewWeighted(1)
	}
	for _, opt := range opts {
		opt(m)
	}
	guards, err := expressions.NewCELEngine()
	if err != nil {
		m.logger.Warn("capability guards disabled", "error", err)
	}
	m.guards = guards
	return m
}

// Configured returns the configured families in canonical order.
func (m *Manager) Configured() []schema.Family {
	out := make([]schema.Family, 0, len(m.configs))
	for _, f := range schema.Families {
		if _, ok := m.configs[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// ExecuteOperation runs op on family. It never returns a Go error: every
// failure, including a handler panic, is reported in the result.
func (m *Manager) ExecuteOperation(ctx context.Context, family schema.Family, op string, params map[string]any) schema.OperationResult {
	start := time.Now()
	res := m.execute(ctx, family, op, params)
	m.metrics.DeviceOperation(string(family), op, res.Success, time.Since(start))
	if !res.Success {
		logging.LogWith(ctx, m.logger).WarnContext(ctx, "hardware operation failed",
			"family", family, "operation", op, "code", res.Code, "error", res.Error)
	}
	return res
}

func (m *Manager) execute(ctx context.Context, family schema.Family, op string, params map[string]any) (res schema.OperationResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "hardware handler panicked",
				"family", family, "operation", op, "panic", r, "stack", string(debug.Stack()))
			res = failed(schema.NewErrorf(schema.ErrCodeDevice, "%s %s panicked: %v", family, op, r))
		}
	}()

	cfg, ok := m.configs[family]
	if !ok {
		return failed(schema.NewErrorf(schema.ErrCodeConfiguration, "no configuration for hardware family %q", family).
			WithDetails(map[string]any{"family": string(family)}))
	}
	if err := m.checkGuard(ctx, cfg, op, params); err != nil {
		return failed(err)
	}

	h, err := m.handler(ctx, family, cfg)
	if err != nil {
		return failed(err)
	}

	lock := m.locks[family]
	if err := lock.Acquire(ctx, 1); err != nil {
		return failed(schema.NewErrorf(schema.ErrCodeCancelled, "waiting for %s: %s", family, err).WithCause(err))
	}
	defer lock.Release(1)

	out, err := h.Execute(ctx, op, params)
	if err != nil {
		return failed(err)
	}
	return schema.OperationResult{Success: true, Result: out}
}

// Connect brings family up without running an operation. Already connected
// families return immediately.
func (m *Manager) Connect(ctx context.Context, family schema.Family) error {
	cfg, ok := m.configs[family]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "no configuration for hardware family %q", family)
	}
	_, err := m.handler(ctx, family, cfg)
	return err
}

// checkGuard evaluates capabilities.guards[op] when present.
func (m *Manager) checkGuard(ctx context.Context, cfg schema.DeviceConfig, op string, params map[string]any) error {
	guard, ok := section(cfg.Capabilities, "guards")[op].(string)
	if !ok || guard == "" {
		return nil
	}
	if m.guards == nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "guard configured for %s but CEL is unavailable", op)
	}
	allowed, err := expressions.EvaluateBool(ctx, m.guards, guard, map[string]any{
		"params":      params,
		"calibration": cfg.Calibration,
		"connection":  cfg.Connection,
	})
	if err != nil {
		return err
	}
	if !allowed {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s %s rejected by guard %q", cfg.Family, op, guard).
			WithDetails(map[string]any{"guard": guard, "operation": op})
	}
	return nil
}

// handler returns a connected handler for family, connecting on first use.
// Concurrent first uses share one connect attempt. A handler whose first
// connect fails is discarded; a handler that was connected before keeps
// its state and is reconnected in place.
func (m *Manager) handler(ctx context.Context, family schema.Family, cfg schema.DeviceConfig) (Handler, error) {
	m.mu.RLock()
	h := m.handlers[family]
	m.mu.RUnlock()
	if h != nil && h.IsConnected() {
		return h, nil
	}

	v, err, _ := m.connect.Do(string(family), func() (any, error) {
		return m.connectHandler(context.WithoutCancel(ctx), family, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handler), nil
}

func (m *Manager) connectHandler(ctx context.Context, family schema.Family, cfg schema.DeviceConfig) (Handler, error) {
	m.mu.RLock()
	h := m.handlers[family]
	m.mu.RUnlock()
	if h != nil && h.IsConnected() {
		return h, nil
	}
	fresh := h == nil
	if fresh {
		factory, ok := m.factories[family]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no handler available for %s", family)
		}
		var err error
		if h, err = factory(cfg, m.logger); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "build %s handler: %s", family, err).WithCause(err)
		}
	}

	if err := m.breakers.allow(family); err != nil {
		return nil, err
	}
	if err := h.Connect(ctx); err != nil {
		state := m.breakers.failure(family)
		m.metrics.DeviceConnect(string(family), false)
		m.logger.ErrorContext(ctx, "hardware connect failed", "family", family, "error", err, "breaker", state.String())
		if schema.CodeOf(err) == "" {
			err = schema.NewErrorf(schema.ErrCodeDevice, "failed to initialize %s: %s", family, err).WithCause(err)
		}
		return nil, err
	}
	m.breakers.success(family)
	m.metrics.DeviceConnect(string(family), true)

	if fresh {
		m.mu.Lock()
		m.handlers[family] = h
		m.mu.Unlock()
	}
	m.logger.InfoContext(ctx, "hardware connected", "family", family)
	return h, nil
}

// HardwareStatus reports every configured family. Families never used
// report "Not initialized".
func (m *Manager) HardwareStatus() map[schema.Family]FamilyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[schema.Family]FamilyStatus, len(m.configs))
	for f := range m.configs {
		h, ok := m.handlers[f]
		if !ok {
			out[f] = FamilyStatus{Connected: false, Status: "Not initialized"}
			continue
		}
		status := h.Status()
		if status == nil {
			status = map[string]any{}
		}
		status["breaker"] = m.breakers.stats(f)
		out[f] = FamilyStatus{Connected: h.IsConnected(), Status: status}
	}
	return out
}

// DisconnectAll disconnects every live handler, waiting for in-flight
// operations on each family. Failures are logged, never returned.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	handlers := make(map[schema.Family]Handler, len(m.handlers))
	for f, h := range m.handlers {
		handlers[f] = h
	}
	m.mu.RUnlock()

	for _, f := range schema.Families {
		h, ok := handlers[f]
		if !ok || !h.IsConnected() {
			continue
		}
		lock := m.locks[f]
		if err := lock.Acquire(ctx, 1); err != nil {
			m.logger.WarnContext(ctx, "disconnecting without lock", "family", f, "error", err)
			lock = nil
		}
		if err := h.Disconnect(context.WithoutCancel(ctx)); err != nil {
			m.logger.ErrorContext(ctx, "hardware disconnect failed", "family", f, "error", err)
		} else {
			m.logger.InfoContext(ctx, "hardware disconnected", "family", f)
		}
		if lock != nil {
			lock.Release(1)
		}
	}
}

func failed(err error) schema.OperationResult {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeDevice
	}
	return schema.OperationResult{Success: false, Error: err.Error(), Code: code}
}
