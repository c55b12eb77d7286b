package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/labflow/internal/streaming"
)

// EventRecorder persists hub events into the store's event trail, giving
// every executed primitive a durable record keyed by its trace ID.
type EventRecorder struct {
	store  Store
	hub    streaming.EventHub
	logger *slog.Logger
	filter streaming.EventFilter
}

// NewEventRecorder creates a recorder. An empty eventTypes records everything.
func NewEventRecorder(s Store, hub streaming.EventHub, logger *slog.Logger, eventTypes ...string) *EventRecorder {
	return &EventRecorder{
		store:  s,
		hub:    hub,
		logger: logger,
		filter: streaming.EventFilter{EventTypes: eventTypes},
	}
}

// Run records events until ctx is done. ready, if non-nil, is closed once
// the subscription is active.
func (r *EventRecorder) Run(ctx context.Context, ready chan<- struct{}) error {
	ch, cancel, err := r.hub.Subscribe(ctx, r.filter)
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
			r.record(context.WithoutCancel(ctx), ev)
		}
	}
}

func (r *EventRecorder) record(ctx context.Context, ev streaming.StreamEvent) {
	var payload json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			r.logger.Warn("event payload not encodable",
				slog.String("event_type", ev.EventType),
				slog.String("error", err.Error()),
			)
		} else {
			payload = b
		}
	}
	err := r.store.AppendEvent(ctx, &Event{
		WorkflowID: ev.WorkflowID,
		NodeID:     ev.NodeID,
		TraceID:    ev.TraceID,
		Type:       ev.EventType,
		Payload:    payload,
	})
	if err != nil {
		r.logger.Error("append event failed",
			slog.String("workflow_id", ev.WorkflowID),
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()),
		)
	}
}
