package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/labflow/internal/logging"
	"github.com/rendis/labflow/pkg/schema"
)

// mockSubmitter tracks Submit calls.
type mockSubmitter struct {
	mu    sync.Mutex
	tasks []schema.TaskConfig
	err   error
}

func (m *mockSubmitter) Submit(_ context.Context, task schema.TaskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return m.err
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// fakeNow is a settable clock.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeNow) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeNow) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(sub TaskSubmitter, clock *fakeNow) *Scheduler {
	return NewScheduler(sub, logging.Discard(), WithClock(clock.now))
}

func hourlyJob(id string) Job {
	return Job{
		ID:      id,
		Cron:    "0 * * * *",
		Enabled: true,
		Task: schema.TaskConfig{
			TaskType:   "sdl_workflow",
			Parameters: map[string]any{"workflow_config": map[string]any{"nodes": []any{}}},
		},
	}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := NewScheduler(&mockSubmitter{}, slog.Default())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Descriptors.
	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@every 10m", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(10*time.Minute), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddJobValidation(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sched := newTestScheduler(&mockSubmitter{}, clock)

	job := hourlyJob("")
	assert.True(t, schema.HasCode(sched.AddJob(job), schema.ErrCodeValidation))

	job = hourlyJob("bad-cron")
	job.Cron = "every tuesday"
	assert.True(t, schema.HasCode(sched.AddJob(job), schema.ErrCodeValidation))

	job = hourlyJob("no-type")
	job.Task.TaskType = ""
	assert.True(t, schema.HasCode(sched.AddJob(job), schema.ErrCodeValidation))

	require.NoError(t, sched.AddJob(hourlyJob("ok")))
	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *jobs[0].NextRunAt)
}

func TestTickRunsDueJobs(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sub := &mockSubmitter{}
	sched := newTestScheduler(sub, clock)
	require.NoError(t, sched.AddJob(hourlyJob("job-1")))

	ctx := context.Background()
	sched.tick(ctx)
	assert.Equal(t, 0, sub.callCount(), "not due yet")

	clock.advance(31 * time.Minute)
	sched.tick(ctx)
	require.Equal(t, 1, sub.callCount())

	got := sched.Jobs()[0]
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, RunStatusSubmitted, got.LastRunStatus)
	assert.Equal(t, time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC), *got.NextRunAt)

	sub.mu.Lock()
	task := sub.tasks[0]
	sub.mu.Unlock()
	assert.Equal(t, got.LastTaskID, task.TaskID)
	assert.Regexp(t, `^job-1_[0-9a-f]{8}$`, task.TaskID)
	assert.Equal(t, "sdl_workflow", task.TaskType)
	assert.Equal(t, "job-1", task.Metadata["scheduled_job_id"])

	sched.tick(ctx)
	assert.Equal(t, 1, sub.callCount(), "next run moved forward")
}

func TestEachRunGetsFreshTaskID(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sub := &mockSubmitter{}
	sched := newTestScheduler(sub, clock)
	job := hourlyJob("job-2")
	job.Cron = "@every 1m"
	require.NoError(t, sched.AddJob(job))

	for range 3 {
		clock.advance(time.Minute)
		sched.tick(context.Background())
	}
	require.Equal(t, 3, sub.callCount())

	ids := map[string]bool{}
	for _, task := range sub.tasks {
		ids[task.TaskID] = true
		task.Parameters["mutated"] = true
	}
	assert.Len(t, ids, 3)
	_, leaked := sched.Jobs()[0].Task.Parameters["mutated"]
	assert.False(t, leaked, "submitted parameters are copies")
}

func TestDisabledJobsSkipped(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sub := &mockSubmitter{}
	sched := newTestScheduler(sub, clock)
	job := hourlyJob("job-disabled")
	job.Enabled = false
	require.NoError(t, sched.AddJob(job))

	clock.advance(2 * time.Hour)
	sched.tick(context.Background())
	assert.Equal(t, 0, sub.callCount())
}

func TestJobSubmitFailure(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sub := &mockSubmitter{err: assert.AnError}
	sched := newTestScheduler(sub, clock)
	require.NoError(t, sched.AddJob(hourlyJob("job-fail")))

	clock.advance(time.Hour)
	sched.tick(context.Background())

	got := sched.Jobs()[0]
	assert.Equal(t, RunStatusError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(clock.now()))
}

func TestRemoveJob(t *testing.T) {
	sched := newTestScheduler(&mockSubmitter{}, &fakeNow{t: time.Now()})
	require.NoError(t, sched.AddJob(hourlyJob("a")))
	require.NoError(t, sched.RemoveJob("a"))
	assert.Empty(t, sched.Jobs())
	assert.True(t, schema.HasCode(sched.RemoveJob("a"), schema.ErrCodeNotFound))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	sub := &mockSubmitter{}
	sched := newTestScheduler(sub, clock)
	require.NoError(t, sched.AddJob(hourlyJob("job-dedup")))
	clock.advance(time.Hour)

	// Pre-acquire the job to simulate an in-flight submission.
	assert.True(t, sched.tryAcquire("job-dedup"))
	sched.tick(context.Background())
	assert.Equal(t, 0, sub.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(context.Background())
	assert.Equal(t, 1, sub.callCount())
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(&mockSubmitter{}, logging.Discard(), WithTickInterval(10*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestLoopSubmitsDueJobs(t *testing.T) {
	sub := &mockSubmitter{}
	sched := NewScheduler(sub, logging.Discard(), WithTickInterval(10*time.Millisecond))
	past := time.Now().UTC().Add(-time.Minute)
	job := hourlyJob("job-loop")
	job.NextRunAt = &past
	require.NoError(t, sched.AddJob(job))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, 5*time.Millisecond)
}
