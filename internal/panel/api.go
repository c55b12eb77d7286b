package panel

import (
	"net/http"

	"github.com/rendis/labflow/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Version,
		"pool":    s.deps.Executor.PoolMetrics(),
		"running": s.deps.Executor.Running(),
	})
}

// handleHardware prefers the monitor's last snapshot and falls back to a
// live read before the first tick.
func (s *Server) handleHardware(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Monitor != nil {
		if snapshot, taken := s.deps.Monitor.Last(); snapshot != nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": snapshot, "taken_at": taken})
			return
		}
	}
	if s.deps.Hardware == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{}, "live": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.deps.Hardware.HardwareStatus(), "live": true})
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Schedules == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedules.Jobs())
}

// handleTask reports status, logs and, once finished, the result of a task.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	body := map[string]any{
		"task_id": taskID,
		"status":  s.deps.Executor.Status(taskID),
		"logs":    s.deps.Executor.Logs(taskID),
	}
	if res := s.deps.Executor.Result(taskID); res != nil {
		body["result"] = res
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	st := s.deps.Executor.WorkflowState(workflowID)
	if st == nil {
		writeError(w, http.StatusNotFound, "workflow "+workflowID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleWorkflowEvents returns the persisted event trail after ?since=<id>.
func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeLabError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{
		WorkflowID: q.Get("workflow"),
		Status:     q.Get("status"),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeLabError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLabError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelWorkflow cancels a queued or running workflow.
func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if err := s.deps.Executor.Cancel(workflowID); err != nil {
		writeLabError(w, err)
		return
	}
	s.deps.Logger.Info("workflow cancelled via panel", "workflow_id", workflowID)
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":          "true",
		"workflow_id": workflowID,
	})
}
