package panel

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/labflow/internal/engine"
	"github.com/rendis/labflow/internal/hardware"
	"github.com/rendis/labflow/internal/scheduler"
	"github.com/rendis/labflow/internal/store"
	"github.com/rendis/labflow/internal/streaming"
	"github.com/rendis/labflow/pkg/schema"
)

type fakeExecutor struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeExecutor) Status(taskID string) schema.TaskStatus {
	if taskID == "t-1" {
		return schema.TaskStatusSuccess
	}
	return schema.TaskStatusPending
}

func (f *fakeExecutor) WorkflowState(workflowID string) *schema.WorkflowState {
	if workflowID != "sdl_wf_t-1" {
		return nil
	}
	return &schema.WorkflowState{WorkflowID: workflowID, Status: schema.WorkflowStatusCompleted, Progress: 100}
}

func (f *fakeExecutor) Logs(taskID string) []string {
	if taskID == "t-1" {
		return []string{"Starting workflow execution"}
	}
	return nil
}

func (f *fakeExecutor) Result(taskID string) *schema.TaskResult {
	if taskID != "t-1" {
		return nil
	}
	return &schema.TaskResult{TaskID: taskID, Status: schema.TaskStatusSuccess}
}

func (f *fakeExecutor) Cancel(workflowID string) error {
	if workflowID != "sdl_wf_live" {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s is not running", workflowID)
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, workflowID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) Running() []string               { return []string{"sdl_wf_live"} }
func (f *fakeExecutor) PoolMetrics() engine.PoolMetrics { return engine.PoolMetrics{Active: 1} }

type fakeHardware map[schema.Family]hardware.FamilyStatus

func (h fakeHardware) HardwareStatus() map[schema.Family]hardware.FamilyStatus { return h }

type fakeSnapshots struct {
	last  map[schema.Family]hardware.FamilyStatus
	taken time.Time
}

func (s fakeSnapshots) Last() (map[schema.Family]hardware.FamilyStatus, time.Time) {
	return s.last, s.taken
}

type fakeSchedules []scheduler.Job

func (s fakeSchedules) Jobs() []scheduler.Job { return s }

type fakeStore struct {
	store.NopStore
	runs   []*store.Run
	events []*store.Event
}

func (s *fakeStore) GetRun(ctx context.Context, id string) (*store.Run, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return s.NopStore.GetRun(ctx, id)
}

func (s *fakeStore) ListRuns(_ context.Context, f store.RunFilter) ([]*store.Run, error) {
	var out []*store.Run
	for _, r := range s.runs {
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) GetEvents(_ context.Context, workflowID string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range s.events {
		if e.WorkflowID == workflowID && e.ID > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, deps Deps) (*httptest.Server, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{}
	if deps.Executor == nil {
		deps.Executor = exec
	}
	srv := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(srv.Close)
	return srv, exec
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Deps{Version: "1.2.3"})

	var body map[string]any
	getJSON(t, srv.URL+"/healthz", http.StatusOK, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, []any{"sdl_wf_live"}, body["running"])
	assert.Equal(t, 1.0, body["pool"].(map[string]any)["active"])
}

func TestTaskAndWorkflow(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})

	var task map[string]any
	getJSON(t, srv.URL+"/tasks/t-1", http.StatusOK, &task)
	assert.Equal(t, "success", task["status"])
	assert.Equal(t, []any{"Starting workflow execution"}, task["logs"])
	assert.Contains(t, task, "result")

	task = nil
	getJSON(t, srv.URL+"/tasks/unknown", http.StatusOK, &task)
	assert.Equal(t, "pending", task["status"])
	assert.NotContains(t, task, "result")

	var st map[string]any
	getJSON(t, srv.URL+"/workflows/sdl_wf_t-1", http.StatusOK, &st)
	assert.Equal(t, "completed", st["status"])
	getJSON(t, srv.URL+"/workflows/sdl_wf_nope", http.StatusNotFound, nil)
}

func TestHardware_PrefersSnapshot(t *testing.T) {
	live := fakeHardware{schema.FamilyRoboticArm: {Connected: true}}

	srv, _ := newTestServer(t, Deps{Hardware: live, Monitor: fakeSnapshots{}})
	var body map[string]any
	getJSON(t, srv.URL+"/hardware", http.StatusOK, &body)
	assert.Equal(t, true, body["live"])
	assert.Contains(t, body["status"], string(schema.FamilyRoboticArm))

	taken := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv, _ = newTestServer(t, Deps{Hardware: live, Monitor: fakeSnapshots{
		last:  map[schema.Family]hardware.FamilyStatus{schema.FamilyRoboticArm: {Connected: false}},
		taken: taken,
	}})
	body = nil
	getJSON(t, srv.URL+"/hardware", http.StatusOK, &body)
	assert.NotContains(t, body, "live")
	assert.Equal(t, taken.Format(time.RFC3339), body["taken_at"])
}

func TestSchedules(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	var empty []any
	getJSON(t, srv.URL+"/schedules", http.StatusOK, &empty)
	assert.Empty(t, empty)

	srv, _ = newTestServer(t, Deps{Schedules: fakeSchedules{{ID: "nightly", Cron: "@daily", Enabled: true}}})
	var jobs []map[string]any
	getJSON(t, srv.URL+"/schedules", http.StatusOK, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0]["id"])
}

func TestRunsAndEvents(t *testing.T) {
	st := &fakeStore{
		runs: []*store.Run{
			{ID: "r1", WorkflowID: "sdl_wf_a", Status: "completed"},
			{ID: "r2", WorkflowID: "sdl_wf_b", Status: "failed"},
		},
		events: []*store.Event{
			{ID: 1, WorkflowID: "sdl_wf_a", Type: schema.EventNodeStarted},
			{ID: 2, WorkflowID: "sdl_wf_a", Type: schema.EventNodeCompleted},
		},
	}
	srv, _ := newTestServer(t, Deps{Store: st})

	var runs []map[string]any
	getJSON(t, srv.URL+"/runs?workflow=sdl_wf_b", http.StatusOK, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0]["id"])

	var run map[string]any
	getJSON(t, srv.URL+"/runs/r1", http.StatusOK, &run)
	assert.Equal(t, "completed", run["status"])

	var errBody map[string]any
	getJSON(t, srv.URL+"/runs/missing", http.StatusNotFound, &errBody)
	assert.Equal(t, schema.ErrCodeNotFound, errBody["code"])

	var events []map[string]any
	getJSON(t, srv.URL+"/workflows/sdl_wf_a/events?since=1", http.StatusOK, &events)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventNodeCompleted, events[0]["event_type"])
}

func TestRuns_EmptyStoreReturnsArray(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	resp, err := http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))
}

func TestCancelWorkflow(t *testing.T) {
	srv, exec := newTestServer(t, Deps{})

	resp, err := http.Post(srv.URL+"/api/workflows/sdl_wf_live/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"sdl_wf_live"}, exec.cancelled)

	resp, err = http.Post(srv.URL+"/api/workflows/sdl_wf_gone/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSE_StreamsWorkflowEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv, _ := newTestServer(t, Deps{Hub: hub})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/workflows/sdl_wf_a", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are flushed after Subscribe, so publishing now cannot race it.
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "sdl_wf_b", EventType: schema.EventNodeStarted}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "sdl_wf_a", NodeID: "deck", EventType: schema.EventNodeStarted}))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+schema.EventNodeStarted+"\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"workflow_id":"sdl_wf_a"`)
	assert.Contains(t, line, `"node_id":"deck"`)
}

func TestSSE_NoHub(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	resp, err := http.Get(srv.URL + "/sse/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
