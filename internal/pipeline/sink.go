package pipeline

import (
	"context"

	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
)

// StatusSink receives pipeline state transitions for external observability.
// Sink failures never gate pipeline progress.
type StatusSink interface {
	Publish(ctx context.Context, runID string, state model.PipelineState) error
}

// StoreSink publishes state transitions to the run store.
type StoreSink struct {
	Store store.Store
}

func (s StoreSink) Publish(ctx context.Context, runID string, state model.PipelineState) error {
	return s.Store.UpdateRunStatus(ctx, runID, state)
}

// NopSink discards state transitions.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, model.PipelineState) error {
	return nil
}
