package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rendis/labflow/pkg/schema"
)

// ArmOp is an operation understood by the robotic arm.
type ArmOp string

const (
	OpMovePosition   ArmOp = "move_position"
	OpMoveAngles     ArmOp = "move_angles"
	OpGripperControl ArmOp = "gripper_control"
	OpSetSpeed       ArmOp = "set_speed"
	OpGetPosition    ArmOp = "get_position"
	OpGetAngles      ArmOp = "get_angles"
	OpHome           ArmOp = "home"
)

var armOps = []ArmOp{
	OpMovePosition, OpMoveAngles, OpGripperControl, OpSetSpeed,
	OpGetPosition, OpGetAngles, OpHome,
}

const (
	defaultArmIP   = "192.168.1.233"
	defaultArmPort = 8090
)

// armSpeeds are the motion defaults applied when a move omits them.
type armSpeeds struct {
	TCPSpeed   float64 `json:"tcp_speed"`
	TCPAcc     float64 `json:"tcp_acc"`
	AngleSpeed float64 `json:"angle_speed"`
	AngleAcc   float64 `json:"angle_acc"`
}

var defaultArmSpeeds = armSpeeds{TCPSpeed: 100, TCPAcc: 200, AngleSpeed: 20, AngleAcc: 500}

// armCommand is the bridge request body. Command names follow the arm
// SDK's method names.
type armCommand struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type armReply struct {
	Code    int    `json:"code"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// Arm drives a six-axis arm through its HTTP JSON bridge.
type Arm struct {
	cfg    schema.DeviceConfig
	logger *slog.Logger
	client *jsonClient

	mu        sync.Mutex
	connected bool
	speeds    armSpeeds
}

// NewArm creates an unconnected arm handler. hc may be nil.
func NewArm(cfg schema.DeviceConfig, logger *slog.Logger, hc *http.Client) (*Arm, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := baseURLFrom(params(cfg.Connection), defaultArmIP, defaultArmPort)
	if err != nil {
		return nil, err
	}
	return &Arm{
		cfg:    cfg,
		logger: logger.With(slog.String("family", string(schema.FamilyRoboticArm))),
		client: newJSONClient(schema.FamilyRoboticArm, base, hc),
		speeds: defaultArmSpeeds,
	}, nil
}

func (a *Arm) Family() schema.Family { return schema.FamilyRoboticArm }

// Connect checks the bridge and, unless disabled, clears faults and enables
// motion.
func (a *Arm) Connect(ctx context.Context) error {
	a.logger.InfoContext(ctx, "connecting to robotic arm", "url", a.client.baseURL)
	if err := a.client.health(ctx, "/health"); err != nil {
		return err
	}
	initCfg := section(a.cfg.Capabilities, "initialization")
	autoEnable, err := params(initCfg).bool("auto_enable", true)
	if err != nil {
		return err
	}
	if autoEnable {
		steps := []armCommand{
			{Command: "clean_warn"},
			{Command: "clean_error"},
			{Command: "motion_enable", Params: map[string]any{"enable": true}},
			{Command: "set_mode", Params: map[string]any{"mode": 0}},
			{Command: "set_state", Params: map[string]any{"state": 0}},
		}
		for _, step := range steps {
			if _, err := a.call(ctx, step); err != nil {
				return err
			}
		}
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "robotic arm connected")
	return nil
}

func (a *Arm) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	a.mu.Unlock()
	if !was {
		return nil
	}
	if _, err := a.call(ctx, armCommand{Command: "disconnect"}); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "robotic arm disconnected")
	return nil
}

func (a *Arm) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Arm) Status() map[string]any {
	if !a.IsConnected() {
		return map[string]any{"error": "Not connected"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"connected": true,
		"url":       a.client.baseURL,
		"speeds":    a.speeds,
	}
}

func (a *Arm) Execute(ctx context.Context, op string, raw map[string]any) (any, error) {
	if !a.IsConnected() {
		return nil, notConnected(schema.FamilyRoboticArm)
	}
	kind, err := parseOp(schema.FamilyRoboticArm, op, armOps)
	if err != nil {
		return nil, err
	}
	p := params(raw)

	switch kind {
	case OpMovePosition:
		return a.movePosition(ctx, p)
	case OpMoveAngles:
		return a.moveAngles(ctx, p)
	case OpGripperControl:
		return a.gripper(ctx, p)
	case OpSetSpeed:
		return a.setSpeed(p)
	case OpGetPosition:
		return a.call(ctx, armCommand{Command: "position"})
	case OpGetAngles:
		return a.call(ctx, armCommand{Command: "angles"})
	case OpHome:
		return a.moveAngles(ctx, params{"j1": 0, "j2": 0, "j3": 0, "j4": 0, "j5": 0, "j6": 0})
	}
	return nil, fmt.Errorf("unhandled robotic arm operation %q", kind)
}

func (a *Arm) movePosition(ctx context.Context, p params) (any, error) {
	a.mu.Lock()
	speeds := a.speeds
	a.mu.Unlock()

	v, err := p.floats(
		[]string{"x", "y", "z", "roll", "pitch", "yaw", "speed", "acceleration"},
		[]float64{0, 0, 200, 180, 0, 0, speeds.TCPSpeed, speeds.TCPAcc},
	)
	if err != nil {
		return nil, err
	}
	wait, err := p.bool("wait", true)
	if err != nil {
		return nil, err
	}
	if _, err := a.call(ctx, armCommand{Command: "set_position", Params: map[string]any{
		"x": v[0], "y": v[1], "z": v[2], "roll": v[3], "pitch": v[4], "yaw": v[5],
		"speed": v[6], "mvacc": v[7], "wait": wait,
	}}); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "arm moved", "x", v[0], "y", v[1], "z", v[2])
	return true, nil
}

func (a *Arm) moveAngles(ctx context.Context, p params) (any, error) {
	a.mu.Lock()
	speeds := a.speeds
	a.mu.Unlock()

	v, err := p.floats(
		[]string{"j1", "j2", "j3", "j4", "j5", "j6", "speed", "acceleration"},
		[]float64{0, 0, 0, 0, 0, 0, speeds.AngleSpeed, speeds.AngleAcc},
	)
	if err != nil {
		return nil, err
	}
	wait, err := p.bool("wait", true)
	if err != nil {
		return nil, err
	}
	if _, err := a.call(ctx, armCommand{Command: "set_servo_angle", Params: map[string]any{
		"angle": v[:6], "speed": v[6], "mvacc": v[7], "wait": wait,
	}}); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "arm joints moved", "angles", v[:6])
	return true, nil
}

func (a *Arm) gripper(ctx context.Context, p params) (any, error) {
	position, err := p.float("position", 500)
	if err != nil {
		return nil, err
	}
	speed, err := p.float("speed", 5000)
	if err != nil {
		return nil, err
	}
	wait, err := p.bool("wait", true)
	if err != nil {
		return nil, err
	}
	if _, err := a.call(ctx, armCommand{Command: "set_gripper_position", Params: map[string]any{
		"pos": position, "speed": speed, "wait": wait, "auto_enable": true,
	}}); err != nil {
		return nil, err
	}
	return true, nil
}

func (a *Arm) setSpeed(p params) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.speeds
	fields := []struct {
		key string
		dst *float64
	}{
		{"tcp_speed", &next.TCPSpeed},
		{"tcp_acc", &next.TCPAcc},
		{"angle_speed", &next.AngleSpeed},
		{"angle_acc", &next.AngleAcc},
	}
	for _, f := range fields {
		v, err := p.float(f.key, *f.dst)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	a.speeds = next
	return true, nil
}

// call sends one bridge command; a non-zero controller code is an error.
func (a *Arm) call(ctx context.Context, cmd armCommand) (any, error) {
	var reply armReply
	if err := a.client.post(ctx, "/api/command", cmd, &reply); err != nil {
		return nil, err
	}
	if reply.Code != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDevice,
			"arm command %s failed with code %d", cmd.Command, reply.Code).
			WithDetails(map[string]any{"command": cmd.Command, "code": reply.Code, "message": reply.Message})
	}
	return reply.Result, nil
}

var _ Handler = (*Arm)(nil)
