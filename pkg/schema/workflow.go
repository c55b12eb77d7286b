package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// MacroPrefix marks node types that expand into primitive device operations.
const MacroPrefix = "sdl7"

// TaskConfig is a unit of work submitted to the engine.
type TaskConfig struct {
	TaskID     string         `json:"task_id"`
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TaskResult is returned by a synchronous task execution.
type TaskResult struct {
	TaskID string         `json:"task_id"`
	Status TaskStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Logs   []string       `json:"logs,omitempty"`
}

// WorkflowConfig is the graph carried in parameters.workflow_config.
// Keys other than nodes and edges are kept in Extra and recorded as-is.
type WorkflowConfig struct {
	Nodes []Node         `json:"nodes,omitempty"`
	Edges []Edge         `json:"edges,omitempty"`
	Extra map[string]any `json:"-"`
}

// Node is a unit operation in the workflow graph.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData holds the user-facing payload of a node.
type NodeData struct {
	Label      string            `json:"label,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Conditions map[string]string `json:"conditions,omitempty"` // operation name -> expr condition
}

// IsMacro reports whether the node expands into primitive operations.
func (n Node) IsMacro() bool {
	return strings.HasPrefix(n.Type, MacroPrefix)
}

// DisplayName is the label if set, otherwise the node type.
func (n Node) DisplayName() string {
	if n.Data.Label != "" {
		return n.Data.Label
	}
	return n.Type
}

// Edge is a precedence constraint: Source must run before Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// HasMacroNodes reports whether any node in the config is a macro node.
func (c *WorkflowConfig) HasMacroNodes() bool {
	for _, n := range c.Nodes {
		if n.IsMacro() {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes nodes and edges, keeping any remaining keys in Extra.
func (c *WorkflowConfig) UnmarshalJSON(data []byte) error {
	var known struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "nodes")
	delete(all, "edges")

	c.Nodes = known.Nodes
	c.Edges = known.Edges
	c.Extra = nil
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

// MarshalJSON re-inlines Extra alongside nodes and edges.
func (c WorkflowConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Nodes != nil {
		out["nodes"] = c.Nodes
	}
	if c.Edges != nil {
		out["edges"] = c.Edges
	}
	return json.Marshal(out)
}

// DecodeWorkflowConfig converts the loosely-typed workflow_config parameter
// into a WorkflowConfig.
func DecodeWorkflowConfig(raw any) (*WorkflowConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "encode workflow_config: %s", err.Error()).WithCause(err)
	}
	var cfg WorkflowConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode workflow_config: %s", err.Error()).WithCause(err)
	}
	return &cfg, nil
}

// WorkflowState is the observable state of one workflow run.
type WorkflowState struct {
	WorkflowID  string         `json:"workflow_id"`
	Status      WorkflowStatus `json:"status"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	CurrentStep *string        `json:"current_step,omitempty"`
	Progress    float64        `json:"progress"`
	Results     map[string]any `json:"results,omitempty"`
	Error       *string        `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable fields with s.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	if s.CurrentStep != nil {
		v := *s.CurrentStep
		cp.CurrentStep = &v
	}
	if s.Error != nil {
		v := *s.Error
		cp.Error = &v
	}
	if s.Results != nil {
		cp.Results = make(map[string]any, len(s.Results))
		for k, v := range s.Results {
			cp.Results[k] = v
		}
	}
	return &cp
}

// PrimitiveOperation is a single device command produced by macro expansion.
type PrimitiveOperation struct {
	Operation    string         `json:"operation"`
	Family       Family         `json:"family"`
	Parameters   map[string]any `json:"parameters"`
	TraceID      string         `json:"trace_id"`
	ParentNodeID string         `json:"parent_node_id"`
	NodeType     string         `json:"node_type"`
	Condition    string         `json:"condition,omitempty"`
}
