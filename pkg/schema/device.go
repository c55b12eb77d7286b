package schema

import "strings"

// Family identifies a class of hardware backend.
type Family string

const (
	FamilyMicrocontroller Family = "microcontroller"
	FamilyRoboticArm      Family = "robotic_arm"
	FamilyLiquidHandler   Family = "liquid_handler"
	FamilyWorkstation     Family = "workstation"
)

// Families lists every known family in a stable order.
var Families = []Family{
	FamilyMicrocontroller,
	FamilyRoboticArm,
	FamilyLiquidHandler,
	FamilyWorkstation,
}

var familyAliases = map[string]Family{
	"microcontroller": FamilyMicrocontroller,
	"arduino":         FamilyMicrocontroller,
	"robotic_arm":     FamilyRoboticArm,
	"myxarm":          FamilyRoboticArm,
	"xarm":            FamilyRoboticArm,
	"liquid_handler":  FamilyLiquidHandler,
	"otflex":          FamilyLiquidHandler,
	"opentrons":       FamilyLiquidHandler,
	"workstation":     FamilyWorkstation,
	"sdl7":            FamilyWorkstation,
}

// ParseFamily maps a family name or one of its platform aliases to a Family.
func ParseFamily(name string) (Family, error) {
	if f, ok := familyAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return f, nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown hardware family %q", name).
		WithDetails(map[string]any{"family": name})
}

// DeviceConfig is the configuration entry for one family.
type DeviceConfig struct {
	Family       Family         `json:"-" yaml:"-"`
	Connection   map[string]any `json:"connection,omitempty" yaml:"connection,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Calibration  map[string]any `json:"calibration,omitempty" yaml:"calibration,omitempty"`
}

// OperationResult is the outcome of one hardware operation. The manager
// never returns a Go error; failures are reported through Success and Error.
type OperationResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}
