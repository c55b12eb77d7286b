// Package panel serves the read-mostly HTTP surface of a running labflow
// process: health, metrics, task and workflow status, provenance runs and
// live event streams.
package panel

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/labflow/internal/engine"
	"github.com/rendis/labflow/internal/hardware"
	"github.com/rendis/labflow/internal/scheduler"
	"github.com/rendis/labflow/internal/store"
	"github.com/rendis/labflow/internal/streaming"
	"github.com/rendis/labflow/pkg/schema"
)

// Executor is the slice of the workflow executor the panel reads from.
type Executor interface {
	Status(taskID string) schema.TaskStatus
	WorkflowState(workflowID string) *schema.WorkflowState
	Logs(taskID string) []string
	Result(taskID string) *schema.TaskResult
	Cancel(workflowID string) error
	Running() []string
	PoolMetrics() engine.PoolMetrics
}

// HardwareStatus reports live per-family device status.
type HardwareStatus interface {
	HardwareStatus() map[schema.Family]hardware.FamilyStatus
}

// Snapshots returns the last periodic hardware snapshot.
type Snapshots interface {
	Last() (map[schema.Family]hardware.FamilyStatus, time.Time)
}

// Schedules lists the registered cron jobs.
type Schedules interface {
	Jobs() []scheduler.Job
}

// Deps holds the dependencies for the panel server. Monitor, Schedules and
// Gatherer are optional.
type Deps struct {
	Executor  Executor
	Store     store.Store
	Hub       streaming.EventHub
	Hardware  HardwareStatus
	Monitor   Snapshots
	Schedules Schedules
	Gatherer  prometheus.Gatherer
	Version   string
	Logger    *slog.Logger
}

// Server serves the panel routes.
type Server struct {
	deps Deps
}

// NewServer creates a Server. A nil Store falls back to store.NopStore.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = store.NopStore{}
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /hardware", s.handleHardware)
	mux.HandleFunc("GET /schedules", s.handleSchedules)

	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("GET /workflows/{id}/events", s.handleWorkflowEvents)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)

	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancelWorkflow)

	return mux
}
