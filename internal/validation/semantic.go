package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/labflow/internal/engine"
	"github.com/rendis/labflow/pkg/schema"
)

// ConditionCompiler compiles primitive conditions without running them.
type ConditionCompiler interface {
	Compile(expression string) error
}

// CheckWorkflow performs semantic analysis on a decoded workflow config.
// Errors: empty or duplicate node IDs, dependency cycles, conditions that
// do not compile. Warnings: edges naming unknown nodes (ignored at run
// time), macro nodes with no expansion, conditions keyed by an operation
// the macro never emits.
func CheckWorkflow(cfg *schema.WorkflowConfig, conditions ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if cfg == nil {
		result.AddError("", schema.ErrCodeValidation, "workflow config is nil")
		return result
	}

	ids := make(map[string]bool, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		path := fmt.Sprintf("nodes[%d].id", i)
		switch {
		case n.ID == "":
			result.AddError(path, schema.ErrCodeValidation, "node id is empty")
		case ids[n.ID]:
			result.AddNodeError(path, n.ID, schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
	}

	for i, e := range cfg.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !ids[e.Source] {
			result.AddWarning(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references unknown node %q (edge ignored)", e.Source))
		}
		if !ids[e.Target] {
			result.AddWarning(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references unknown node %q (edge ignored)", e.Target))
		}
	}

	if result.Valid() {
		if _, err := engine.ResolveOrder(cfg.Nodes, cfg.Edges); err != nil {
			code, msg := schema.ErrCodeValidation, err.Error()
			var le *schema.LabError
			if errors.As(err, &le) {
				code, msg = le.Code, le.Message
			}
			result.AddError("edges", code, msg)
		}
	}

	for i, n := range cfg.Nodes {
		if n.IsMacro() {
			checkMacroNode(n, fmt.Sprintf("nodes[%d]", i), conditions, result)
		} else if len(n.Data.Conditions) > 0 {
			result.AddNodeWarning(fmt.Sprintf("nodes[%d].data.conditions", i), n.ID, schema.ErrCodeValidation,
				"conditions on a non-macro node are ignored")
		}
	}
	return result
}

func checkMacroNode(n schema.Node, path string, conditions ConditionCompiler, result *schema.ValidationResult) {
	if !engine.IsKnownMacro(n.Type) {
		result.AddNodeWarning(path+".type", n.ID, schema.ErrCodeValidation,
			fmt.Sprintf("macro type %q has no expansion and runs no operations", n.Type))
		return
	}

	emitted := make(map[string]bool)
	for _, p := range engine.ExpandMacro("", n) {
		emitted[p.Operation] = true
	}
	for op, cond := range n.Data.Conditions {
		cpath := fmt.Sprintf("%s.data.conditions.%s", path, op)
		if !emitted[op] {
			result.AddNodeWarning(cpath, n.ID, schema.ErrCodeValidation,
				fmt.Sprintf("%s does not emit operation %q with these parameters", n.Type, op))
		}
		if conditions == nil {
			continue
		}
		if err := conditions.Compile(cond); err != nil {
			result.AddNodeError(cpath, n.ID, schema.ErrCodeValidation, err.Error())
		}
	}
}
