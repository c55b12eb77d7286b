package schema

// Event type constants published on the event hub.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowProgress  = "workflow_progress"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeSkipped   = "node_skipped"

	EventPrimitiveExecuted = "primitive_executed"
	EventPrimitiveSkipped  = "primitive_skipped"

	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
)

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// TaskStatus is the coarse status reported to the task layer.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusError   TaskStatus = "error"
)

// ProgressUpdate is the payload of a progress notification.
type ProgressUpdate struct {
	Progress    float64        `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Results     map[string]any `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
}
