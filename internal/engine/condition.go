package engine

import (
	"context"

	"github.com/rendis/labflow/internal/expressions"
	"github.com/rendis/labflow/pkg/schema"
)

// conditionEnv is the data a primitive condition is evaluated against.
func conditionEnv(workflowID string, node schema.Node, p schema.PrimitiveOperation) map[string]any {
	nodeParams := node.Data.Parameters
	if nodeParams == nil {
		nodeParams = map[string]any{}
	}
	return map[string]any{
		"params": p.Parameters,
		"node":   nodeParams,
		"workflow": map[string]any{
			"id":        workflowID,
			"node_id":   node.ID,
			"operation": p.Operation,
			"trace_id":  p.TraceID,
		},
	}
}

// shouldRun reports whether p's condition holds. Primitives without a
// condition always run. A condition that fails to evaluate is an error,
// not a skip.
func shouldRun(ctx context.Context, e expressions.Engine, workflowID string, node schema.Node, p schema.PrimitiveOperation) (bool, error) {
	if p.Condition == "" {
		return true, nil
	}
	ok, err := expressions.EvaluateBool(ctx, e, p.Condition, conditionEnv(workflowID, node, p))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition for %s: %s", p.Operation, err).
			WithCause(err).
			WithNode(node.ID)
	}
	return ok, nil
}
