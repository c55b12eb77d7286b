package engine

import (
	"fmt"

	"github.com/rendis/labflow/pkg/schema"
)

// Macro node types understood by ExpandMacro.
const (
	MacroPrepareAndInjectHPLCSample     = "sdl7PrepareAndInjectHPLCSample"
	MacroRunExtractionAndTransferToHPLC = "sdl7RunExtractionAndTransferToHPLC"
	MacroDeckInitialization             = "sdl7DeckInitialization"
	MacroAddSolventToSampleVial         = "sdl7AddSolventToSampleVial"
)

// primitive is an operation name plus parameters before trace metadata is attached.
type primitive struct {
	op     string
	params map[string]any
}

type expander func(p nodeParams) []primitive

var expanders = map[string]expander{
	MacroPrepareAndInjectHPLCSample:     expandPrepareAndInject,
	MacroRunExtractionAndTransferToHPLC: expandExtractionToHPLC,
	MacroDeckInitialization:             expandDeckInitialization,
	MacroAddSolventToSampleVial:         expandAddSolvent,
}

// IsKnownMacro reports whether ExpandMacro has an expansion for nodeType.
func IsKnownMacro(nodeType string) bool {
	_, ok := expanders[nodeType]
	return ok
}

// ExpandMacro turns a macro node into its ordered primitive operations.
// Trace IDs are "<runID>_<nodeID>_<index>". Conditions declared on the node
// (data.conditions, keyed by operation name) are copied onto the matching
// primitives. Unknown node types expand to nil.
func ExpandMacro(runID string, node schema.Node) []schema.PrimitiveOperation {
	fn, ok := expanders[node.Type]
	if !ok {
		return nil
	}
	prims := fn(nodeParams(node.Data.Parameters))

	out := make([]schema.PrimitiveOperation, len(prims))
	for i, p := range prims {
		out[i] = schema.PrimitiveOperation{
			Operation:    p.op,
			Family:       schema.FamilyWorkstation,
			Parameters:   p.params,
			TraceID:      fmt.Sprintf("%s_%s_%d", runID, node.ID, i),
			ParentNodeID: node.ID,
			NodeType:     node.Type,
			Condition:    node.Data.Conditions[p.op],
		}
	}
	return out
}

func expandPrepareAndInject(p nodeParams) []primitive {
	destVial := p.get("dest_vial", "A1")
	destTray := p.get("dest_tray", "hplc")
	sampleName := p.get("sample_name", fmt.Sprintf("Sample_%v", destVial))

	ops := []primitive{{
		op: "sample_aliquot",
		params: map[string]any{
			"source_tray":       p.get("source_tray", "reaction_tray"),
			"source_vial":       p.get("source_vial", "A1"),
			"dest_tray":         destTray,
			"dest_vial":         destVial,
			"aliquot_volume_ul": p.get("aliquot_volume_ul", 100),
		},
	}}
	if p.flag("perform_weighing", true) {
		ops = append(ops, primitive{
			op: "weigh_container",
			params: map[string]any{
				"vial":         destVial,
				"tray":         destTray,
				"sample_name":  sampleName,
				"to_hplc_inst": true,
			},
		})
	}
	return append(ops, primitive{
		op: "run_hplc",
		params: map[string]any{
			"method":             p.get("hplc_method", "standard_curve_01"),
			"sample_name":        sampleName,
			"stall":              p.get("stall", false),
			"vial":               destVial,
			"vial_hplc_location": fmt.Sprintf("P2-%v", destVial),
			"inj_vol":            p.get("injection_volume", 5),
		},
	})
}

func expandExtractionToHPLC(p nodeParams) []primitive {
	vial := p.get("extraction_vial", "A1")

	ops := []primitive{
		{
			op: "run_extraction",
			params: map[string]any{
				"stir_time":   p.get("stir_time", 5),
				"settle_time": p.get("settle_time", 2),
				"rate":        p.get("rate", 1000),
				"reactor":     p.get("reactor", 1),
				"time_units":  p.get("time_units", "min"),
				"output_file": fmt.Sprintf("extraction_%v.csv", p.get("sample_name", "sample")),
			},
		},
		{
			op:     "extraction_vial_from_reactor",
			params: map[string]any{"vial": vial},
		},
	}
	if p.flag("perform_aliquot", true) {
		ops = append(ops, primitive{
			op: "sample_aliquot",
			params: map[string]any{
				"source_tray":       "extraction_tray",
				"source_vial":       vial,
				"dest_tray":         "hplc",
				"dest_vial":         vial,
				"aliquot_volume_ul": p.get("aliquot_volume_ul", 100),
			},
		})
	}
	return append(ops, primitive{
		op: "run_hplc",
		params: map[string]any{
			"method":             p.get("hplc_method", "extraction_analysis"),
			"sample_name":        p.get("sample_name", "Extraction_Sample"),
			"stall":              false,
			"vial":               vial,
			"vial_hplc_location": fmt.Sprintf("P2-%v", vial),
			"inj_vol":            p.get("injection_volume", 10),
		},
	})
}

func expandDeckInitialization(p nodeParams) []primitive {
	method := p.get("method_name", "standard_curve_01")
	injVol := p.get("injection_volume", 5)
	return []primitive{
		{
			op: "initialize_deck",
			params: map[string]any{
				"experiment_name": p.get("experiment_name", "SDL7_Experiment"),
				"solvent_file":    p.get("solvent_file", "solvents_default.csv"),
				"method_name":     method,
				"inj_vol":         injVol,
			},
		},
		{
			op: "hplc_instrument_setup",
			params: map[string]any{
				"method":           method,
				"injection_volume": injVol,
				"sequence":         p.get("sequence", nil),
			},
		},
	}
}

func expandAddSolvent(p nodeParams) []primitive {
	vial := p.get("vial", "A1")
	tray := p.get("tray", "hplc")
	solvent := p.get("solvent", "Methanol")

	ops := []primitive{{
		op: "add_solvent",
		params: map[string]any{
			"vial":        vial,
			"tray":        tray,
			"solvent":     solvent,
			"solvent_vol": p.get("solvent_vol", 900),
			"clean":       p.get("clean", false),
		},
	}}
	if p.flag("perform_weighing", false) {
		ops = append(ops, primitive{
			op: "weigh_container",
			params: map[string]any{
				"vial":         vial,
				"tray":         tray,
				"sample_name":  p.get("sample_name", fmt.Sprintf("%v_%v", solvent, vial)),
				"to_hplc_inst": false,
			},
		})
	}
	return ops
}

// nodeParams is a node's parameter map with default-aware lookups.
type nodeParams map[string]any

// get returns the stored value when the key is present, even if it is nil.
func (p nodeParams) get(key string, def any) any {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// flag reads a boolean switch. Non-boolean values follow the usual truthiness
// of JSON values: zero numbers, empty strings and null are false.
func (p nodeParams) flag(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
