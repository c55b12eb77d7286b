package store

import (
	"encoding/json"
	"time"
)

// Run statuses recorded in the runs table.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunStart describes a run at the moment execution begins.
type RunStart struct {
	WorkflowID     string
	WorkflowConfig any
	UserID         string
	TriggerSource  string
	FunctionName   string
	InputData      map[string]any
}

// RunOutcome is recorded when a run ends, successfully or not.
type RunOutcome struct {
	Status string
	Output map[string]any
	Error  string
}

// Run is a persisted provenance record.
type Run struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	UserID         string          `json:"user_id,omitempty"`
	TriggerSource  string          `json:"trigger_source,omitempty"`
	FunctionName   string          `json:"function_name,omitempty"`
	ConfigHash     string          `json:"config_hash"`
	WorkflowConfig json.RawMessage `json:"workflow_config,omitempty"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	Environment    json.RawMessage `json:"environment,omitempty"`
	Status         string          `json:"status"`
	OutputData     json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	DurationMS     *int64          `json:"duration_ms,omitempty"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	WorkflowID string
	Status     string
	Limit      int
}

// Event is one entry of the append-only event trail.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}
