package hardware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/labflow/internal/logging"
	"github.com/rendis/labflow/pkg/schema"
)

// WorkstationOp is a primitive executed on the automated sample-prep deck.
type WorkstationOp string

const (
	OpSampleAliquot             WorkstationOp = "sample_aliquot"
	OpWeighContainer            WorkstationOp = "weigh_container"
	OpRunHPLC                   WorkstationOp = "run_hplc"
	OpRunExtraction             WorkstationOp = "run_extraction"
	OpExtractionVialFromReactor WorkstationOp = "extraction_vial_from_reactor"
	OpInitializeDeck            WorkstationOp = "initialize_deck"
	OpHPLCInstrumentSetup       WorkstationOp = "hplc_instrument_setup"
	OpAddSolvent                WorkstationOp = "add_solvent"
)

var workstationOps = []WorkstationOp{
	OpSampleAliquot, OpWeighContainer, OpRunHPLC, OpRunExtraction,
	OpExtractionVialFromReactor, OpInitializeDeck, OpHPLCInstrumentSetup, OpAddSolvent,
}

// Duration returns the nominal run time of op on the deck.
func (op WorkstationOp) Duration() time.Duration {
	switch op {
	case OpSampleAliquot, OpExtractionVialFromReactor:
		return 2 * time.Second
	case OpWeighContainer, OpHPLCInstrumentSetup:
		return 3 * time.Second
	case OpRunHPLC, OpInitializeDeck:
		return 5 * time.Second
	case OpRunExtraction:
		return 10 * time.Second
	case OpAddSolvent:
		return 1500 * time.Millisecond
	default:
		return time.Second
	}
}

// Workstation simulates the sample-prep deck: each primitive takes its
// nominal duration scaled by capabilities.delay_scale.
type Workstation struct {
	logger *slog.Logger
	scale  float64
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	connected bool
	executed  int
}

// NewWorkstation creates an unconnected workstation.
func NewWorkstation(cfg schema.DeviceConfig, logger *slog.Logger) *Workstation {
	if logger == nil {
		logger = slog.Default()
	}
	scale, err := params(cfg.Capabilities).float("delay_scale", 1.0)
	if err != nil || scale < 0 {
		scale = 1.0
	}
	return &Workstation{
		logger: logger.With(slog.String("family", string(schema.FamilyWorkstation))),
		scale:  scale,
		sleep:  sleepCtx,
	}
}

func (w *Workstation) Family() schema.Family { return schema.FamilyWorkstation }

func (w *Workstation) Connect(ctx context.Context) error {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	w.logger.InfoContext(ctx, "workstation ready", "delay_scale", w.scale)
	return nil
}

func (w *Workstation) Disconnect(context.Context) error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	return nil
}

func (w *Workstation) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Workstation) Status() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return map[string]any{"error": "Not connected"}
	}
	return map[string]any{
		"connected":           true,
		"delay_scale":         w.scale,
		"executed_operations": w.executed,
	}
}

// Execute waits for the primitive's scaled duration. The trace and parent
// node IDs come from ctx.
func (w *Workstation) Execute(ctx context.Context, op string, _ map[string]any) (any, error) {
	if !w.IsConnected() {
		return nil, notConnected(schema.FamilyWorkstation)
	}
	kind, err := parseOp(schema.FamilyWorkstation, op, workstationOps)
	if err != nil {
		return nil, err
	}

	nominal := kind.Duration()
	if err := w.sleep(ctx, time.Duration(float64(nominal)*w.scale)); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.executed++
	w.mu.Unlock()
	w.logger.DebugContext(ctx, "primitive executed", "operation", op)

	return map[string]any{
		"status":         "completed",
		"operation":      op,
		"execution_time": nominal.Seconds(),
		"trace_id":       logging.TraceID(ctx),
		"parent_uo_id":   logging.NodeID(ctx),
	}, nil
}

var _ Handler = (*Workstation)(nil)
