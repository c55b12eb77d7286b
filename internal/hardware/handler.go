// Package hardware is the hardware abstraction layer: one Handler per device
// family, and a Manager that connects handlers lazily and serializes access
// to each physical device.
package hardware

import (
	"context"
	"log/slog"

	"github.com/rendis/labflow/pkg/schema"
)

// Handler drives one device family. Execute is only called while the
// manager holds the family lock, so implementations need not serialize
// commands themselves.
type Handler interface {
	Family() schema.Family
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Status() map[string]any
	Execute(ctx context.Context, op string, params map[string]any) (any, error)
}

// Factory builds an unconnected handler from its family config.
type Factory func(cfg schema.DeviceConfig, logger *slog.Logger) (Handler, error)

// DefaultFactories returns the production handler for every family.
func DefaultFactories() map[schema.Family]Factory {
	return map[schema.Family]Factory{
		schema.FamilyMicrocontroller: func(cfg schema.DeviceConfig, logger *slog.Logger) (Handler, error) {
			return NewMicrocontroller(cfg, logger), nil
		},
		schema.FamilyRoboticArm: func(cfg schema.DeviceConfig, logger *slog.Logger) (Handler, error) {
			return NewArm(cfg, logger, nil)
		},
		schema.FamilyLiquidHandler: func(cfg schema.DeviceConfig, logger *slog.Logger) (Handler, error) {
			return NewLiquidHandler(cfg, logger, nil)
		},
		schema.FamilyWorkstation: func(cfg schema.DeviceConfig, logger *slog.Logger) (Handler, error) {
			return NewWorkstation(cfg, logger), nil
		},
	}
}

// parseOp resolves op against a family's closed operation set.
func parseOp[T ~string](family schema.Family, op string, known []T) (T, error) {
	for _, k := range known {
		if string(k) == op {
			return k, nil
		}
	}
	var zero T
	allowed := make([]string, len(known))
	for i, k := range known {
		allowed[i] = string(k)
	}
	return zero, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown %s operation %q", family, op).
		WithDetails(map[string]any{"operation": op, "allowed": allowed})
}

func notConnected(family schema.Family) error {
	return schema.NewErrorf(schema.ErrCodeDevice, "%s not connected", family)
}
