package streaming

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/labflow/pkg/schema"
)

// Forwarder relays progress events from a hub to an external Broadcaster.
// Delivery is best effort: events queued behind a slow broadcaster are
// dropped by the hub, and broadcast errors are logged and counted.
type Forwarder struct {
	hub     EventHub
	sink    Broadcaster
	logger  *slog.Logger
	timeout time.Duration
	filter  EventFilter

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewForwarder creates a forwarder for progress events. timeout bounds each
// Broadcast call; zero means 2s.
func NewForwarder(hub EventHub, sink Broadcaster, logger *slog.Logger, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Forwarder{
		hub:     hub,
		sink:    sink,
		logger:  logger,
		timeout: timeout,
		filter:  EventFilter{EventTypes: []string{schema.EventWorkflowProgress}},
	}
}

// Run subscribes and forwards until ctx is done. ready, if non-nil, is
// closed once the subscription is in place.
func (f *Forwarder) Run(ctx context.Context, ready chan<- struct{}) error {
	ch, cancel, err := f.hub.Subscribe(ctx, f.filter)
	if err != nil {
		return err
	}
	defer cancel()
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev StreamEvent) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.sink.Broadcast(callCtx, ev.WorkflowID, ev.Payload); err != nil {
		f.failed.Add(1)
		f.logger.WarnContext(ctx, "progress broadcast failed",
			slog.String("workflow_id", ev.WorkflowID),
			slog.String("error", err.Error()),
		)
		return
	}
	f.sent.Add(1)
}

// Stats returns how many broadcasts succeeded and failed.
func (f *Forwarder) Stats() (sent, failed uint64) {
	return f.sent.Load(), f.failed.Load()
}
