package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sessionlabs/report-engine/internal/model"
)

// IsNotFound reports whether err is a row-not-found error from either store
// implementation.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// Run is a persisted pipeline run.
type Run struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	PatientID string                `json:"patient_id,omitempty"`
	Status    model.PipelineState   `json:"status"`
	Output    *model.PipelineOutput `json:"output,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store defines persistence for pipeline runs, session history, and the
// research cache.
//
// The research cache portion is best-effort by contract: callers treat
// lookup errors as empty results and drop write errors after logging.
// Duplicate or lost entries are acceptable; no locking is provided.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, sessionID, patientID string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.PipelineState) error
	UpdateRunOutput(ctx context.Context, runID string, output *model.PipelineOutput) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	// Session history (trend gating)
	RecordSession(ctx context.Context, rec model.SessionRecord) error
	ListSessionsBefore(ctx context.Context, patientID string, before time.Time) ([]model.SessionRecord, error)

	// Research cache
	CacheLookup(ctx context.Context, query string, limit int, minTier model.EvidenceTier) ([]model.CacheResult, error)
	CacheWrite(ctx context.Context, entry model.CacheEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// filterCacheResults applies the tier floor and limit shared by both store
// implementations. Rows arrive ordered by relevance.
func filterCacheResults(rows []model.CacheResult, limit int, minTier model.EvidenceTier) []model.CacheResult {
	out := make([]model.CacheResult, 0, limit)
	for _, r := range rows {
		if !r.Tier.AtLeast(minTier) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
