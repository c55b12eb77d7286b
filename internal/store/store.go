package store

import (
	"context"

	"github.com/google/uuid"
)

// Store is the provenance persistence contract. Implementations must be
// safe for concurrent use.
type Store interface {
	// Runs
	StartRun(ctx context.Context, req RunStart) (string, error)
	FinishRun(ctx context.Context, runID string, out RunOutcome) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Event trail (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	Migrate(ctx context.Context) error
	Close() error
}

// NopStore accepts every call and persists nothing. Used when no database
// is configured.
type NopStore struct{}

func (NopStore) StartRun(context.Context, RunStart) (string, error)  { return uuid.NewString(), nil }
func (NopStore) FinishRun(context.Context, string, RunOutcome) error { return nil }
func (NopStore) GetRun(_ context.Context, id string) (*Run, error) {
	return nil, storeNotFound("run", id)
}
func (NopStore) ListRuns(context.Context, RunFilter) ([]*Run, error)        { return nil, nil }
func (NopStore) AppendEvent(context.Context, *Event) error                  { return nil }
func (NopStore) GetEvents(context.Context, string, int64) ([]*Event, error) { return nil, nil }
func (NopStore) Migrate(context.Context) error                              { return nil }
func (NopStore) Close() error                                               { return nil }

var (
	_ Store = NopStore{}
	_ Store = (*LibSQLStore)(nil)
)
