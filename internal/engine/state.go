package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rendis/labflow/pkg/schema"
)

const logTimeLayout = "2006-01-02 15:04:05.000"

// StateStore holds workflow states, task statuses, task logs and task
// results in memory. All accessors return copies.
type StateStore struct {
	mu        sync.RWMutex
	workflows map[string]*schema.WorkflowState
	statuses  map[string]schema.TaskStatus
	logs      map[string][]string
	results   map[string]*schema.TaskResult
	now       func() time.Time
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		workflows: make(map[string]*schema.WorkflowState),
		statuses:  make(map[string]schema.TaskStatus),
		logs:      make(map[string][]string),
		results:   make(map[string]*schema.TaskResult),
		now:       time.Now,
	}
}

// CreateWorkflow registers a fresh pending workflow, replacing any previous
// state under the same ID.
func (s *StateStore) CreateWorkflow(workflowID string) *schema.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &schema.WorkflowState{
		WorkflowID: workflowID,
		Status:     schema.WorkflowStatusPending,
		StartTime:  s.now(),
	}
	s.workflows[workflowID] = st
	return st.Clone()
}

// Workflow returns a snapshot of the workflow state, or nil.
func (s *StateStore) Workflow(workflowID string) *schema.WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflows[workflowID].Clone()
}

// UpdateWorkflow applies fn to the live state under the write lock and
// returns a snapshot of the result. Progress never moves backwards: a lower
// value set by fn is raised back to the previous one.
func (s *StateStore) UpdateWorkflow(workflowID string, fn func(st *schema.WorkflowState)) (*schema.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.workflows[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	prev := st.Progress
	fn(st)
	if st.Progress < prev {
		st.Progress = prev
	}
	return st.Clone(), nil
}

// DeleteWorkflow removes the workflow state.
func (s *StateStore) DeleteWorkflow(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, workflowID)
}

// SetStatus records the task status.
func (s *StateStore) SetStatus(taskID string, status schema.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = status
}

// Status returns the task status; unknown tasks are pending.
func (s *StateStore) Status(taskID string) schema.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[taskID]; ok {
		return st
	}
	return schema.TaskStatusPending
}

// AppendLog adds a timestamped line to the task log.
func (s *StateStore) AppendLog(taskID, format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", s.now().Format(logTimeLayout), fmt.Sprintf(format, args...))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[taskID] = append(s.logs[taskID], line)
}

// Logs returns a copy of the task log.
func (s *StateStore) Logs(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.logs[taskID]...)
}

// SetResult stores the final result of a task.
func (s *StateStore) SetResult(res *schema.TaskResult) {
	if res == nil {
		return
	}
	cp := *res
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.TaskID] = &cp
}

// Result returns the stored task result, or nil.
func (s *StateStore) Result(taskID string) *schema.TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[taskID]
	if !ok {
		return nil
	}
	cp := *r
	cp.Logs = append([]string(nil), r.Logs...)
	return &cp
}

// DeleteTask removes status, logs and result for the task.
func (s *StateStore) DeleteTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, taskID)
	delete(s.logs, taskID)
	delete(s.results, taskID)
}

// Clear drops everything.
func (s *StateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows = make(map[string]*schema.WorkflowState)
	s.statuses = make(map[string]schema.TaskStatus)
	s.logs = make(map[string][]string)
	s.results = make(map[string]*schema.TaskResult)
}

// Counts reports how many workflows and tasks are tracked.
func (s *StateStore) Counts() (workflows, tasks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows), len(s.statuses)
}
