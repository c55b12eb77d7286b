package hardware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/labflow/internal/hardware/serialproto"
	"github.com/rendis/labflow/pkg/schema"
)

// MicrocontrollerOp is an operation understood by the microcontroller.
type MicrocontrollerOp string

const (
	OpPumpControl       MicrocontrollerOp = "pump_control"
	OpPumpDispense      MicrocontrollerOp = "pump_dispense"
	OpSetTemperature    MicrocontrollerOp = "set_temperature"
	OpGetTemperature    MicrocontrollerOp = "get_temperature"
	OpUltrasonicControl MicrocontrollerOp = "ultrasonic_control"
	OpFurnaceControl    MicrocontrollerOp = "furnace_control"
	OpElectrodeSwitch   MicrocontrollerOp = "electrode_switch"
	OpReactorControl    MicrocontrollerOp = "reactor_control"
)

var microcontrollerOps = []MicrocontrollerOp{
	OpPumpControl, OpPumpDispense, OpSetTemperature, OpGetTemperature,
	OpUltrasonicControl, OpFurnaceControl, OpElectrodeSwitch, OpReactorControl,
}

const (
	defaultSerialPort   = "COM4"
	defaultBootDelay    = 3 * time.Second
	defaultPumpSlope    = 1.6
	defaultSetpoint     = 25.0
	defaultUltrasonicMs = 5000
	heatingZones        = 2
)

// PortOpener opens the serial stream to the board.
type PortOpener func(name string, baud int) (io.ReadWriteCloser, error)

// PortDetector picks a port name, falling back to the configured one.
type PortDetector func(fallback string) string

// MicrocontrollerOption customizes a Microcontroller.
type MicrocontrollerOption func(*Microcontroller)

// WithPortOpener replaces the serial port opener.
func WithPortOpener(open PortOpener) MicrocontrollerOption {
	return func(m *Microcontroller) { m.open = open }
}

// WithPortDetector replaces USB auto-detection.
func WithPortDetector(detect PortDetector) MicrocontrollerOption {
	return func(m *Microcontroller) { m.detect = detect }
}

// Microcontroller drives pumps, heaters, the ultrasonic bath and the binary
// actuators through the board's serial line protocol.
type Microcontroller struct {
	cfg    schema.DeviceConfig
	logger *slog.Logger
	open   PortOpener
	detect PortDetector

	mu        sync.Mutex
	client    *serialproto.Client
	port      string
	setpoints [heatingZones]float64
}

// NewMicrocontroller creates an unconnected handler.
func NewMicrocontroller(cfg schema.DeviceConfig, logger *slog.Logger, opts ...MicrocontrollerOption) *Microcontroller {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Microcontroller{
		cfg:    cfg,
		logger: logger.With(slog.String("family", string(schema.FamilyMicrocontroller))),
		open: func(name string, baud int) (io.ReadWriteCloser, error) {
			return serialproto.Open(name, baud)
		},
		detect: serialproto.Detect,
	}
	for i := range m.setpoints {
		m.setpoints[i] = defaultSetpoint
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Microcontroller) Family() schema.Family { return schema.FamilyMicrocontroller }

// Connect opens the port, waits for the board to boot, and re-applies any
// non-default heater setpoints from a previous session.
func (m *Microcontroller) Connect(ctx context.Context) error {
	conn := params(m.cfg.Connection)
	port, err := conn.str("port", defaultSerialPort)
	if err != nil {
		return err
	}
	baud, err := conn.int("baudrate", serialproto.DefaultBaudRate)
	if err != nil {
		return err
	}
	timeoutMs, err := conn.int("timeout_ms", int(serialproto.DefaultTimeout/time.Millisecond))
	if err != nil {
		return err
	}
	bootMs, err := conn.int("boot_delay_ms", int(defaultBootDelay/time.Millisecond))
	if err != nil {
		return err
	}

	port = m.detect(port)
	m.logger.InfoContext(ctx, "connecting to microcontroller", "port", port, "baudrate", baud)

	rwc, err := m.open(port, baud)
	if err != nil {
		return err
	}
	if err := sleepCtx(ctx, time.Duration(bootMs)*time.Millisecond); err != nil {
		_ = rwc.Close()
		return err
	}

	client := serialproto.NewClient(rwc, time.Duration(timeoutMs)*time.Millisecond)
	m.mu.Lock()
	m.client = client
	m.port = port
	setpoints := m.setpoints
	m.mu.Unlock()

	for zone, temp := range setpoints {
		if temp == defaultSetpoint {
			continue
		}
		if err := m.setTemperature(ctx, zone, temp); err != nil {
			m.logger.WarnContext(ctx, "restore heater setpoint failed",
				"base_number", zone, "temperature", temp, "error", err)
		}
	}
	m.logger.InfoContext(ctx, "microcontroller connected", "port", port)
	return nil
}

func (m *Microcontroller) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return schema.NewErrorf(schema.ErrCodeDevice, "close serial port: %s", err).WithCause(err)
	}
	m.logger.InfoContext(ctx, "microcontroller disconnected")
	return nil
}

func (m *Microcontroller) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && !m.client.IsClosed()
}

func (m *Microcontroller) Status() map[string]any {
	if !m.IsConnected() {
		return map[string]any{"error": "Not connected"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	setpoints := m.setpoints
	return map[string]any{
		"connected":        true,
		"port":             m.port,
		"heater_setpoints": setpoints[:],
	}
}

// Setpoints returns the cached heater setpoints.
func (m *Microcontroller) Setpoints() [heatingZones]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setpoints
}

func (m *Microcontroller) Execute(ctx context.Context, op string, raw map[string]any) (any, error) {
	if !m.IsConnected() {
		return nil, notConnected(schema.FamilyMicrocontroller)
	}
	kind, err := parseOp(schema.FamilyMicrocontroller, op, microcontrollerOps)
	if err != nil {
		return nil, err
	}
	p := params(raw)

	switch kind {
	case OpPumpControl:
		return m.pumpControl(ctx, p)
	case OpPumpDispense:
		return m.pumpDispense(ctx, p)
	case OpSetTemperature:
		zone, err := p.int("base_number", 0)
		if err != nil {
			return nil, err
		}
		temp, err := p.float("temperature", defaultSetpoint)
		if err != nil {
			return nil, err
		}
		if err := m.setTemperature(ctx, zone, temp); err != nil {
			return nil, err
		}
		return true, nil
	case OpGetTemperature:
		return m.getTemperature(ctx, p)
	case OpUltrasonicControl:
		return m.ultrasonic(ctx, p)
	case OpFurnaceControl:
		return m.binary(ctx, p, "action", "open", map[string]string{
			"open":  "set_furnace_open",
			"close": "set_furnace_close",
		})
	case OpElectrodeSwitch:
		return m.binary(ctx, p, "mode", "3-electrode", map[string]string{
			"2-electrode": "switch_2Electrode",
			"3-electrode": "switch_3Electrode",
		})
	case OpReactorControl:
		return m.binary(ctx, p, "action", "open", map[string]string{
			"open":  "set_reactor_on",
			"close": "set_reactor_off",
		})
	}
	return nil, fmt.Errorf("unhandled microcontroller operation %q", kind)
}

func (m *Microcontroller) pumpControl(ctx context.Context, p params) (any, error) {
	pump, err := p.int("pump_number", 0)
	if err != nil {
		return nil, err
	}
	mode, err := p.str("mode", "off")
	if err != nil {
		return nil, err
	}
	switch mode {
	case "on":
		_, err = m.send(ctx, fmt.Sprintf("set_pump_on %d", pump))
	case "off":
		_, err = m.send(ctx, fmt.Sprintf("set_pump_off %d", pump))
	default:
		return nil, invalidChoice("pump mode", mode, "on", "off")
	}
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "pump switched", "pump_number", pump, "mode", mode)
	return true, nil
}

// DispenseDuration converts a volume to a pump run time using a linear
// calibration slope in ml/s.
func DispenseDuration(volume, slope float64) time.Duration {
	if slope <= 0 {
		slope = defaultPumpSlope
	}
	return time.Duration(math.Round(volume/slope*1000)) * time.Millisecond
}

func (m *Microcontroller) pumpDispense(ctx context.Context, p params) (any, error) {
	pump, err := p.int("pump_number", 0)
	if err != nil {
		return nil, err
	}
	volume, err := p.float("volume", 1.0)
	if err != nil {
		return nil, err
	}
	if volume < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "volume must be non-negative, got %g", volume)
	}
	d := DispenseDuration(volume, m.pumpSlope(pump))
	if _, err := m.send(ctx, fmt.Sprintf("set_pump_on_time %d %d", pump, d.Milliseconds())); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "pump dispensed", "pump_number", pump, "volume_ml", volume, "duration_ms", d.Milliseconds())
	return true, nil
}

func (m *Microcontroller) pumpSlope(pump int) float64 {
	pumps := section(m.cfg.Calibration, "pumps")
	entry := section(pumps, strconv.Itoa(pump))
	if entry == nil {
		m.logger.Warn("no calibration for pump, using default slope", "pump_number", pump)
		return defaultPumpSlope
	}
	slope, err := params(entry).float("slope", defaultPumpSlope)
	if err != nil || slope <= 0 {
		return defaultPumpSlope
	}
	return slope
}

func (m *Microcontroller) setTemperature(ctx context.Context, zone int, temp float64) error {
	temp = math.Round(temp*10) / 10
	if _, err := m.send(ctx, fmt.Sprintf("set_base_temp %d %s", zone, formatTemp(temp))); err != nil {
		return err
	}
	m.mu.Lock()
	if zone >= 0 && zone < heatingZones {
		m.setpoints[zone] = temp
	}
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "heater setpoint", "base_number", zone, "temperature", temp)
	return nil
}

func (m *Microcontroller) getTemperature(ctx context.Context, p params) (any, error) {
	zone, err := p.int("base_number", 0)
	if err != nil {
		return nil, err
	}
	lines, err := m.send(ctx, fmt.Sprintf("get_base_temp %d", zone))
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}
	temp, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "unparseable temperature %q", lines[0]).WithCause(err)
	}
	return temp, nil
}

func (m *Microcontroller) ultrasonic(ctx context.Context, p params) (any, error) {
	bath, err := p.int("base_number", 0)
	if err != nil {
		return nil, err
	}
	mode, err := p.str("mode", "timed")
	if err != nil {
		return nil, err
	}
	duration, err := p.int("duration", defaultUltrasonicMs)
	if err != nil {
		return nil, err
	}
	var cmd string
	switch mode {
	case "timed":
		cmd = fmt.Sprintf("set_ultrasonic_on_time %d %d", bath, duration)
	case "on":
		cmd = fmt.Sprintf("set_ultrasonic_on %d", bath)
	case "off":
		cmd = fmt.Sprintf("set_ultrasonic_off %d", bath)
	default:
		return nil, invalidChoice("ultrasonic mode", mode, "timed", "on", "off")
	}
	if _, err := m.send(ctx, cmd); err != nil {
		return nil, err
	}
	return true, nil
}

// binary sends the command mapped from one choice parameter.
func (m *Microcontroller) binary(ctx context.Context, p params, key, def string, commands map[string]string) (any, error) {
	choice, err := p.str(key, def)
	if err != nil {
		return nil, err
	}
	cmd, ok := commands[choice]
	if !ok {
		allowed := make([]string, 0, len(commands))
		for k := range commands {
			allowed = append(allowed, k)
		}
		return nil, invalidChoice(key, choice, allowed...)
	}
	if _, err := m.send(ctx, cmd); err != nil {
		return nil, err
	}
	return true, nil
}

func (m *Microcontroller) send(ctx context.Context, cmd string) ([]string, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, notConnected(schema.FamilyMicrocontroller)
	}
	return client.Command(ctx, cmd)
}

// formatTemp renders a setpoint the way the firmware parses it: always
// with a decimal point.
func formatTemp(t float64) string {
	return strconv.FormatFloat(t, 'f', 1, 64)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "interrupted").WithCause(ctx.Err())
	}
}

var _ Handler = (*Microcontroller)(nil)
