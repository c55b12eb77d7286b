package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/labflow/pkg/schema"
)

// TaskSubmitter is the interface the scheduler uses to start workflow runs.
// Satisfied by the engine executor (avoids import cycle).
type TaskSubmitter interface {
	Submit(ctx context.Context, task schema.TaskConfig) error
}

// Job submits a copy of Task every time Cron fires.
type Job struct {
	ID            string            `json:"id"`
	Cron          string            `json:"cron"`
	Task          schema.TaskConfig `json:"task"`
	Enabled       bool              `json:"enabled"`
	NextRunAt     *time.Time        `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time        `json:"last_run_at,omitempty"`
	LastRunStatus string            `json:"last_run_status,omitempty"`
	LastTaskID    string            `json:"last_task_id,omitempty"`
}

// Job run statuses.
const (
	RunStatusSubmitted = "submitted"
	RunStatusError     = "error"
)

// DefaultTickInterval is how often due jobs are checked.
const DefaultTickInterval = time.Minute

// Scheduler checks registered jobs on a ticker and submits those that are due.
type Scheduler struct {
	submitter TaskSubmitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently submitting (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler. Cron expressions use the standard
// five fields and also accept descriptors such as "@hourly" or "@every 10m".
func NewScheduler(submitter TaskSubmitter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		interval:  DefaultTickInterval,
		now:       time.Now,
		jobs:      make(map[string]*Job),
		inflight:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddJob registers or replaces a job and computes its next run.
func (s *Scheduler) AddJob(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job id is required")
	}
	if job.Task.TaskType == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q: task_type is required", job.ID)
	}
	next, err := s.CalculateNextRun(job.Cron, s.now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q: %s", job.ID, err).WithCause(err)
	}
	if job.NextRunAt == nil {
		job.NextRunAt = &next
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs[job.ID] = &job
	return nil
}

// RemoveJob unregisters a job. Unknown IDs return NOT_FOUND.
func (s *Scheduler) RemoveJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a snapshot of all jobs sorted by ID.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, job := range s.Jobs() {
		if !job.Enabled || job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// runJob submits one run of job and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) error {
	task := job.Task
	task.TaskID = fmt.Sprintf("%s_%s", job.ID, uuid.NewString()[:8])
	task.Parameters = cloneMap(job.Task.Parameters)
	task.Metadata = cloneMap(job.Task.Metadata)
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	task.Metadata["scheduled_job_id"] = job.ID

	s.logger.Info("submitting scheduled job",
		slog.String("job_id", job.ID),
		slog.String("task_id", task.TaskID),
	)

	status := RunStatusSubmitted
	if err := s.submitter.Submit(ctx, task); err != nil {
		status = RunStatusError
		s.logger.Error("scheduled job submission failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return s.updateJob(job.ID, job.Cron, now, status, task.TaskID)
}

func (s *Scheduler) updateJob(id, cronExpr string, now time.Time, status, taskID string) error {
	nextRun, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", id, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil // removed while running
	}
	j.LastRunAt = &now
	j.NextRunAt = &nextRun
	j.LastRunStatus = status
	j.LastTaskID = taskID
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
