package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/labflow/pkg/schema"
)

// LiquidOp is an operation understood by the liquid handler.
type LiquidOp string

const (
	OpLiquidTransfer LiquidOp = "liquid_transfer"
	OpAspirate       LiquidOp = "aspirate"
	OpDispense       LiquidOp = "dispense"
	OpPickUpTip      LiquidOp = "pick_up_tip"
	OpDropTip        LiquidOp = "drop_tip"
	OpMoveToWell     LiquidOp = "move_to_well"
	OpLoadLabware    LiquidOp = "load_labware"
	OpLiquidGripper  LiquidOp = "gripper_control"
	OpElectrodeWash  LiquidOp = "electrode_wash"
	OpLiquidHome     LiquidOp = "home"
)

var liquidOps = []LiquidOp{
	OpLiquidTransfer, OpAspirate, OpDispense, OpPickUpTip, OpDropTip,
	OpMoveToWell, OpLoadLabware, OpLiquidGripper, OpElectrodeWash, OpLiquidHome,
}

const (
	defaultLiquidIP   = "169.254.179.32"
	defaultLiquidPort = 31950
	defaultPipette    = "p1000_single_flex"
	defaultLabware    = "opentrons_flex_96_tiprack_1000ul"
	robotAPIVersion   = "3"
)

type liquidCommand struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// Labware is a piece of labware loaded on the deck.
type Labware struct {
	Slot string `json:"slot"`
	Type string `json:"type"`
}

// LiquidHandler drives a pipetting robot through its HTTP API.
type LiquidHandler struct {
	cfg    schema.DeviceConfig
	logger *slog.Logger
	client *jsonClient

	mu        sync.Mutex
	connected bool
	labware   map[string]Labware
}

// NewLiquidHandler creates an unconnected handler. hc may be nil.
func NewLiquidHandler(cfg schema.DeviceConfig, logger *slog.Logger, hc *http.Client) (*LiquidHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := baseURLFrom(params(cfg.Connection), defaultLiquidIP, defaultLiquidPort)
	if err != nil {
		return nil, err
	}
	client := newJSONClient(schema.FamilyLiquidHandler, base, hc)
	client.header.Set("Opentrons-Version", robotAPIVersion)
	return &LiquidHandler{
		cfg:     cfg,
		logger:  logger.With(slog.String("family", string(schema.FamilyLiquidHandler))),
		client:  client,
		labware: make(map[string]Labware),
	}, nil
}

func (l *LiquidHandler) Family() schema.Family { return schema.FamilyLiquidHandler }

func (l *LiquidHandler) Connect(ctx context.Context) error {
	l.logger.InfoContext(ctx, "connecting to liquid handler", "url", l.client.baseURL)
	if err := l.client.health(ctx, "/health"); err != nil {
		return err
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "liquid handler connected")
	return nil
}

// Disconnect homes the robot before dropping the connection.
func (l *LiquidHandler) Disconnect(ctx context.Context) error {
	if !l.IsConnected() {
		return nil
	}
	err := l.command(ctx, "home", nil)
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "liquid handler disconnected")
	return nil
}

func (l *LiquidHandler) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *LiquidHandler) Status() map[string]any {
	if !l.IsConnected() {
		return map[string]any{"error": "Not connected"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"connected":      true,
		"labware_loaded": len(l.labware),
	}
}

// LoadedLabware returns a copy of the labware map keyed by labware ID.
func (l *LiquidHandler) LoadedLabware() map[string]Labware {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Labware, len(l.labware))
	for k, v := range l.labware {
		out[k] = v
	}
	return out
}

func (l *LiquidHandler) Execute(ctx context.Context, op string, raw map[string]any) (any, error) {
	if !l.IsConnected() {
		return nil, notConnected(schema.FamilyLiquidHandler)
	}
	kind, err := parseOp(schema.FamilyLiquidHandler, op, liquidOps)
	if err != nil {
		return nil, err
	}
	p := params(raw)

	switch kind {
	case OpLiquidTransfer:
		return l.transfer(ctx, p)
	case OpAspirate, OpDispense:
		return l.pipette(ctx, string(kind), p, "labware", "well", "volume")
	case OpPickUpTip:
		return l.pipette(ctx, "pick_up_tip", p, "labware", "well")
	case OpDropTip:
		dispose, err := p.bool("dispose", true)
		if err != nil {
			return nil, err
		}
		pip, err := p.str("pipette", defaultPipette)
		if err != nil {
			return nil, err
		}
		if err := l.command(ctx, "drop_tip", map[string]any{"pipette": pip, "dispose": dispose}); err != nil {
			return nil, err
		}
		return true, nil
	case OpMoveToWell:
		return l.pipette(ctx, "move_to_well", p, "labware", "well", "offset", "speed")
	case OpLoadLabware:
		return l.loadLabware(ctx, p)
	case OpLiquidGripper:
		return l.gripper(ctx, p)
	case OpElectrodeWash:
		return l.electrodeWash(ctx, p)
	case OpLiquidHome:
		if err := l.command(ctx, "home", nil); err != nil {
			return nil, err
		}
		return true, nil
	}
	return nil, fmt.Errorf("unhandled liquid handler operation %q", kind)
}

// electrodeWash rinses the electrode at the wash station: per cycle it moves
// over the wash well, then for water and acid (skipped when the volume is
// zero) dispenses the rinse, holds for the sonication time and aspirates it
// back. Volumes are given in ml and sent in µl.
func (l *LiquidHandler) electrodeWash(ctx context.Context, p params) (any, error) {
	station, err := p.str("wash_station", "wash_station")
	if err != nil {
		return nil, err
	}
	well, err := p.str("wash_well", "A1")
	if err != nil {
		return nil, err
	}
	pip, err := p.str("pipette", defaultPipette)
	if err != nil {
		return nil, err
	}
	water, err := p.float("water_volume", 15)
	if err != nil {
		return nil, err
	}
	acid, err := p.float("acid_volume", 10)
	if err != nil {
		return nil, err
	}
	soak, err := p.int("sonication_time", 30)
	if err != nil {
		return nil, err
	}
	cycles, err := p.int("cycles", 1)
	if err != nil {
		return nil, err
	}
	if cycles < 1 || water < 0 || acid < 0 || soak < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"electrode_wash: cycles must be >= 1 and volumes and sonication_time >= 0")
	}

	target := map[string]any{"pipette": pip, "labware": station, "well": well}
	with := func(extra map[string]any) map[string]any {
		args := make(map[string]any, len(target)+len(extra))
		for k, v := range target {
			args[k] = v
		}
		for k, v := range extra {
			args[k] = v
		}
		return args
	}

	sent := 0
	send := func(name string, args map[string]any) error {
		if err := l.command(ctx, name, args); err != nil {
			return err
		}
		sent++
		return nil
	}
	for c := 0; c < cycles; c++ {
		if err := send("move_to_well", with(map[string]any{"offset": "top"})); err != nil {
			return nil, err
		}
		for _, rinse := range []struct {
			liquid string
			ml     float64
		}{{"water", water}, {"acid", acid}} {
			if rinse.ml == 0 {
				continue
			}
			ul := rinse.ml * 1000
			if err := send("dispense", with(map[string]any{"volume": ul, "liquid": rinse.liquid})); err != nil {
				return nil, err
			}
			if err := send("delay", map[string]any{"seconds": soak}); err != nil {
				return nil, err
			}
			if err := send("aspirate", with(map[string]any{"volume": ul, "liquid": rinse.liquid})); err != nil {
				return nil, err
			}
		}
	}
	l.logger.InfoContext(ctx, "electrode wash completed", "cycles", cycles, "commands", sent)
	return map[string]any{"cycles": cycles, "commands": sent}, nil
}

func (l *LiquidHandler) transfer(ctx context.Context, p params) (any, error) {
	args := map[string]any{}
	for key, def := range map[string]string{
		"source_labware": "",
		"source_well":    "A1",
		"dest_labware":   "",
		"dest_well":      "A1",
		"pipette":        defaultPipette,
	} {
		v, err := p.str(key, def)
		if err != nil {
			return nil, err
		}
		args[key] = v
	}
	volume, err := p.float("volume", 100)
	if err != nil {
		return nil, err
	}
	args["volume"] = volume
	if err := l.command(ctx, "transfer", args); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "liquid transferred",
		"volume_ul", volume, "from", args["source_well"], "to", args["dest_well"])
	return true, nil
}

// pipette forwards a single-pipette command carrying the listed parameters
// plus the pipette name.
func (l *LiquidHandler) pipette(ctx context.Context, command string, p params, keys ...string) (any, error) {
	args := map[string]any{}
	pip, err := p.str("pipette", defaultPipette)
	if err != nil {
		return nil, err
	}
	args["pipette"] = pip
	for _, k := range keys {
		var v any
		switch k {
		case "well":
			v, err = p.str(k, "A1")
		case "offset":
			v, err = p.str(k, "top")
		case "volume", "speed":
			v, err = p.float(k, 100)
		default:
			v, err = p.str(k, "")
		}
		if err != nil {
			return nil, err
		}
		args[k] = v
	}
	if err := l.command(ctx, command, args); err != nil {
		return nil, err
	}
	return true, nil
}

func (l *LiquidHandler) loadLabware(ctx context.Context, p params) (any, error) {
	slot, err := p.str("slot", "C1")
	if err != nil {
		return nil, err
	}
	kind, err := p.str("type", defaultLabware)
	if err != nil {
		return nil, err
	}
	args := map[string]any{"slot": slot, "type": kind}
	if custom, ok := p["custom_json"]; ok && custom != nil {
		args["custom_json"] = custom
	}

	var reply struct {
		LabwareID string `json:"labware_id"`
	}
	if err := l.client.post(ctx, "/commands", liquidCommand{Command: "load_labware", Params: args}, &reply); err != nil {
		return nil, err
	}
	id := reply.LabwareID
	if id == "" {
		id = uuid.NewString()
	}
	l.mu.Lock()
	l.labware[id] = Labware{Slot: slot, Type: kind}
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "labware loaded", "labware_id", id, "type", kind, "slot", slot)
	return id, nil
}

func (l *LiquidHandler) gripper(ctx context.Context, p params) (any, error) {
	action, err := p.str("action", "open")
	if err != nil {
		return nil, err
	}
	switch action {
	case "open", "close":
		err = l.command(ctx, "gripper_"+action, nil)
	case "move":
		xyz, ferr := p.floats([]string{"x", "y", "z"}, []float64{0, 0, 100})
		if ferr != nil {
			return nil, ferr
		}
		err = l.command(ctx, "gripper_move", map[string]any{"x": xyz[0], "y": xyz[1], "z": xyz[2]})
	default:
		return nil, invalidChoice("gripper action", action, "open", "close", "move")
	}
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (l *LiquidHandler) command(ctx context.Context, name string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	return l.client.post(ctx, "/commands", liquidCommand{Command: name, Params: args}, nil)
}

var _ Handler = (*LiquidHandler)(nil)
