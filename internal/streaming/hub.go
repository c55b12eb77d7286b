package streaming

import "context"

// StreamEvent is a real-time event emitted while a workflow runs.
type StreamEvent struct {
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	EventType  string `json:"event_type"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for workflow events. Publish never blocks on
// slow subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Broadcaster is the external progress sink, typically a websocket fan-out
// keyed by workflow ID. Implementations live outside this module.
type Broadcaster interface {
	Broadcast(ctx context.Context, workflowID string, update any) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, workflowID string, update any) error

func (f BroadcasterFunc) Broadcast(ctx context.Context, workflowID string, update any) error {
	return f(ctx, workflowID, update)
}
