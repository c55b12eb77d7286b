package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/labflow/pkg/schema"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		WorkflowID: "sdl_wf_1",
		NodeID:     "n1",
		TraceID:    "sdl_wf_1_n1_0",
		EventType:  schema.EventPrimitiveExecuted,
	}
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, event, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByWorkflowAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		WorkflowID: "wf-1",
		EventTypes: []string{schema.EventWorkflowProgress},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", EventType: schema.EventWorkflowProgress}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", EventType: schema.EventNodeStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", EventType: schema.EventWorkflowProgress}))

	select {
	case got := <-ch:
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, schema.EventWorkflowProgress, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	assert.Empty(t, ch)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	var hooked atomic.Int32
	hub := NewMemoryHub(WithBuffer(2), WithDropHook(func(StreamEvent) { hooked.Add(1) }))
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Publish(ctx, StreamEvent{WorkflowID: "wf", EventType: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(3), hub.Dropped())
	assert.Equal(t, int32(3), hooked.Load())
}

func TestCancelUnsubscribesAndCloses(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(1000))
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{WorkflowID: "wf", EventType: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}

// --- Forwarder ---

type recordingSink struct {
	mu      sync.Mutex
	updates []any
	fail    bool
}

func (s *recordingSink) Broadcast(_ context.Context, _ string, update any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("socket gone")
	}
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwarderRelaysProgressOnly(t *testing.T) {
	hub := NewMemoryHub()
	sink := &recordingSink{}
	fwd := NewForwarder(hub, sink, quietLogger(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- fwd.Run(ctx, ready) }()
	<-ready

	update := schema.ProgressUpdate{Progress: 30, CurrentStep: "Load data", Status: schema.WorkflowStatusRunning}
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf", EventType: schema.EventWorkflowProgress, Payload: update}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf", EventType: schema.EventPrimitiveExecuted}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sent, failed := fwd.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Zero(t, failed)
	assert.Equal(t, update, sink.updates[0])
}

func TestForwarderBroadcastErrorsAreNotFatal(t *testing.T) {
	hub := NewMemoryHub()
	fwd := NewForwarder(hub, &recordingSink{fail: true}, quietLogger(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() { _ = fwd.Run(ctx, ready) }()
	<-ready

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf", EventType: schema.EventWorkflowProgress}))
	}
	require.Eventually(t, func() bool {
		_, failed := fwd.Stats()
		return failed == 3
	}, time.Second, 5*time.Millisecond)
}
