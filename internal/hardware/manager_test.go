package hardware

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/labflow/internal/logging"
	"github.com/rendis/labflow/internal/metrics"
	"github.com/rendis/labflow/pkg/schema"
)

// fakeHandler records calls and lets tests script connect and execute.
type fakeHandler struct {
	family schema.Family

	connectErr   func(attempt int) error
	connectDelay time.Duration
	execute      func(ctx context.Context, op string, params map[string]any) (any, error)

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeHandler) Family() schema.Family { return f.family }

func (f *fakeHandler) Connect(ctx context.Context) error {
	time.Sleep(f.connectDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		if err := f.connectErr(f.connects); err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeHandler) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeHandler) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeHandler) Status() map[string]any {
	return map[string]any{"fake": true}
}

func (f *fakeHandler) Execute(ctx context.Context, op string, params map[string]any) (any, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.execute != nil {
		return f.execute(ctx, op, params)
	}
	return op + "-ok", nil
}

func (f *fakeHandler) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

// fakeFactory returns a factory that always hands out h.
func fakeFactory(h Handler) Factory {
	return func(schema.DeviceConfig, *slog.Logger) (Handler, error) { return h, nil }
}

func newTestManager(configs map[schema.Family]schema.DeviceConfig, opts ...Option) *Manager {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewManager(configs, opts...)
}

func workstationOnly() map[schema.Family]schema.DeviceConfig {
	return map[schema.Family]schema.DeviceConfig{schema.FamilyWorkstation: {}}
}

func TestManager_MissingFamilyIsConfigurationError(t *testing.T) {
	fake := &fakeHandler{family: schema.FamilyWorkstation}
	m := newTestManager(workstationOnly(),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	res := m.ExecuteOperation(context.Background(), schema.FamilyRoboticArm, "home", nil)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeConfiguration, res.Code)

	res = m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "run_hplc-ok", res.Result)
}

func TestManager_FailedConnectIsNotCached(t *testing.T) {
	var builds atomic.Int32
	m := newTestManager(workstationOnly(),
		WithBreaker(BreakerConfig{}),
		WithFactory(schema.FamilyWorkstation, func(schema.DeviceConfig, *slog.Logger) (Handler, error) {
			n := builds.Add(1)
			return &fakeHandler{
				family: schema.FamilyWorkstation,
				connectErr: func(int) error {
					if n < 3 {
						return errors.New("deck offline")
					}
					return nil
				},
			}, nil
		}))

	for i := 0; i < 2; i++ {
		res := m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
		assert.False(t, res.Success)
		assert.Equal(t, schema.ErrCodeDevice, res.Code)
		assert.Contains(t, res.Error, "failed to initialize workstation")
	}
	assert.Equal(t, "Not initialized", m.HardwareStatus()[schema.FamilyWorkstation].Status)

	res := m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(3), builds.Load())
}

func TestManager_ConcurrentFirstUseConnectsOnce(t *testing.T) {
	fake := &fakeHandler{family: schema.FamilyWorkstation, connectDelay: 30 * time.Millisecond}
	m := newTestManager(workstationOnly(),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "weigh_container", nil)
			assert.True(t, res.Success, res.Error)
		}()
	}
	wg.Wait()

	connects, _ := fake.counts()
	assert.Equal(t, 1, connects)
}

func TestManager_SerializesOperationsPerFamily(t *testing.T) {
	fake := &fakeHandler{
		family: schema.FamilyWorkstation,
		execute: func(ctx context.Context, op string, _ map[string]any) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		},
	}
	m := newTestManager(workstationOnly(),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fake.maxActive.Load())
}

func TestManager_LockWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fake := &fakeHandler{
		family: schema.FamilyWorkstation,
		execute: func(ctx context.Context, op string, _ map[string]any) (any, error) {
			if op == "run_extraction" {
				close(entered)
				<-release
			}
			return nil, nil
		},
	}
	m := newTestManager(workstationOnly(),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_extraction", nil)
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := m.ExecuteOperation(ctx, schema.FamilyWorkstation, "run_hplc", nil)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCancelled, res.Code)

	close(release)
	<-done
}

func TestManager_HandlerErrorsAndPanics(t *testing.T) {
	fake := &fakeHandler{
		family: schema.FamilyWorkstation,
		execute: func(ctx context.Context, op string, _ map[string]any) (any, error) {
			switch op {
			case "boom":
				panic("relay stuck")
			case "plain":
				return nil, errors.New("plain failure")
			case "slow":
				return nil, schema.NewError(schema.ErrCodeProtocolTimeout, "no answer")
			default:
				return map[string]any{"status": "success"}, nil
			}
		},
	}
	m := newTestManager(workstationOnly(),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	res := m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "boom", nil)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeDevice, res.Code)
	assert.Contains(t, res.Error, "relay stuck")

	res = m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "plain", nil)
	assert.Equal(t, schema.ErrCodeDevice, res.Code)

	res = m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "slow", nil)
	assert.Equal(t, schema.ErrCodeProtocolTimeout, res.Code)

	// The family lock was released by the panicking call.
	assert.Equal(t, int32(0), fake.active.Load())
	res = m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
	assert.True(t, res.Success)
}

func TestManager_CapabilityGuards(t *testing.T) {
	fake := &fakeHandler{family: schema.FamilyMicrocontroller}
	configs := map[schema.Family]schema.DeviceConfig{
		schema.FamilyMicrocontroller: {
			Capabilities: map[string]any{"guards": map[string]any{
				"pump_dispense": `params.volume <= 10.0 && params.pump_number in [0, 1, 2]`,
			}},
		},
	}
	m := newTestManager(configs, WithFactory(schema.FamilyMicrocontroller, fakeFactory(fake)))

	res := m.ExecuteOperation(context.Background(), schema.FamilyMicrocontroller, "pump_dispense",
		map[string]any{"volume": 25.0, "pump_number": 0})
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeValidation, res.Code)
	connects, _ := fake.counts()
	assert.Zero(t, connects, "guard runs before connecting")

	res = m.ExecuteOperation(context.Background(), schema.FamilyMicrocontroller, "pump_dispense",
		map[string]any{"volume": 8.0, "pump_number": 1})
	assert.True(t, res.Success, res.Error)

	res = m.ExecuteOperation(context.Background(), schema.FamilyMicrocontroller, "pump_control",
		map[string]any{"mode": "on"})
	assert.True(t, res.Success, "operations without a guard pass")
}

func TestManager_BreakerFailsFast(t *testing.T) {
	fake := &fakeHandler{
		family:     schema.FamilyWorkstation,
		connectErr: func(int) error { return schema.NewError(schema.ErrCodeDevice, "no route to host") },
	}
	m := newTestManager(workstationOnly(),
		WithBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	for i := 0; i < 2; i++ {
		res := m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
		assert.Equal(t, schema.ErrCodeDevice, res.Code)
	}
	res := m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)
	assert.Equal(t, schema.ErrCodeCircuitOpen, res.Code)

	connects, _ := fake.counts()
	assert.Equal(t, 2, connects)
}

func TestManager_ConnectWithoutOperation(t *testing.T) {
	fake := &fakeHandler{family: schema.FamilyWorkstation}
	m := newTestManager(workstationOnly(),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	require.NoError(t, m.Connect(context.Background(), schema.FamilyWorkstation))
	require.NoError(t, m.Connect(context.Background(), schema.FamilyWorkstation))
	connects, _ := fake.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, int32(0), fake.maxActive.Load(), "nothing executed")

	err := m.Connect(context.Background(), schema.FamilyMicrocontroller)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestManager_StatusAndDisconnectAll(t *testing.T) {
	fake := &fakeHandler{family: schema.FamilyWorkstation}
	var builds atomic.Int32
	configs := map[schema.Family]schema.DeviceConfig{
		schema.FamilyWorkstation:   {},
		schema.FamilyRoboticArm:    {},
		schema.FamilyLiquidHandler: {},
	}
	m := newTestManager(configs,
		WithFactory(schema.FamilyWorkstation, func(schema.DeviceConfig, *slog.Logger) (Handler, error) {
			builds.Add(1)
			return fake, nil
		}))
	assert.Equal(t, []schema.Family{schema.FamilyRoboticArm, schema.FamilyLiquidHandler, schema.FamilyWorkstation}, m.Configured())

	status := m.HardwareStatus()
	require.Len(t, status, 3)
	assert.Equal(t, FamilyStatus{Connected: false, Status: "Not initialized"}, status[schema.FamilyRoboticArm])

	require.True(t, m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil).Success)
	ws := m.HardwareStatus()[schema.FamilyWorkstation]
	assert.True(t, ws.Connected)
	assert.Equal(t, true, ws.Status.(map[string]any)["fake"])

	m.DisconnectAll(context.Background())
	_, disconnects := fake.counts()
	assert.Equal(t, 1, disconnects)
	assert.False(t, m.HardwareStatus()[schema.FamilyWorkstation].Connected)

	// The same handler is reconnected in place.
	require.True(t, m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil).Success)
	connects, _ := fake.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, int32(1), builds.Load())
}

func TestManager_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	fake := &fakeHandler{family: schema.FamilyWorkstation}
	m := newTestManager(workstationOnly(),
		WithMetrics(metrics.NewCollector(reg)),
		WithFactory(schema.FamilyWorkstation, fakeFactory(fake)))

	m.ExecuteOperation(context.Background(), schema.FamilyWorkstation, "run_hplc", nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["labflow_device_operations_total"])
	assert.True(t, names["labflow_device_connects_total"])
}
