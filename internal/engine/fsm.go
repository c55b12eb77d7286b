package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/labflow/internal/streaming"
	"github.com/rendis/labflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.WorkflowStatus) error

// EventPublisher is the part of streaming.EventHub the FSM needs.
type EventPublisher interface {
	Publish(ctx context.Context, event streaming.StreamEvent) error
}

type hookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM validates workflow lifecycle transitions and announces them
// on the event hub. Publishing is best effort: a failed publish is reported
// to OnPublishError and never blocks the transition.
type WorkflowFSM struct {
	mu             sync.Mutex
	publisher      EventPublisher
	before         map[hookKey][]TransitionHook
	after          map[hookKey][]TransitionHook
	OnPublishError func(workflowID string, err error)
}

// NewWorkflowFSM creates a new WorkflowFSM. publisher may be nil.
func NewWorkflowFSM(publisher EventPublisher) *WorkflowFSM {
	return &WorkflowFSM{
		publisher: publisher,
		before:    make(map[hookKey][]TransitionHook),
		after:     make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook called after a transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// Transition validates from -> to, runs hooks and publishes the lifecycle
// event. The caller persists the new status.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	before := slices.Clone(f.before[hookKey{from, to}])
	after := slices.Clone(f.after[hookKey{from, to}])
	f.mu.Unlock()

	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if et := lifecycleEvent(to); et != "" && f.publisher != nil {
		err := f.publisher.Publish(ctx, streaming.StreamEvent{
			WorkflowID: workflowID,
			EventType:  et,
			Payload:    map[string]any{"from": string(from), "to": string(to)},
		})
		if err != nil && f.OnPublishError != nil {
			f.OnPublishError(workflowID, err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether the lifecycle table allows from -> to.
func IsValidTransition(from, to schema.WorkflowStatus) bool {
	return slices.Contains(ValidWorkflowTransitions[from], to)
}

func lifecycleEvent(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return ""
	}
}

// ValidWorkflowTransitions is the workflow lifecycle. Terminal states have
// no outgoing edges. pending -> failed covers runs rejected before start.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}
