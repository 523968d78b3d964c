package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionlabs/report-engine/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	run, err := s.CreateRun(ctx, "sess-1", "patient-1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.StatePending, run.Status)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.StateAnalyzing))

	output := &model.PipelineOutput{
		RunID:     run.ID,
		SessionID: "sess-1",
		PatientID: "patient-1",
		Sections:  []model.Section{{ID: "s1", Title: "Gait"}},
		EnrichedSections: []model.EnrichedSection{
			{Section: model.Section{ID: "s1"}, Narrative: "n", EvidenceStrength: model.TierD},
		},
		FailedEnrichments: []string{},
	}
	require.NoError(t, s.UpdateRunOutput(ctx, run.ID, output))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAnalyzing, got.Status)
	require.NotNil(t, got.Output)
	assert.Equal(t, "sess-1", got.Output.SessionID)
	require.Len(t, got.Output.EnrichedSections, 1)
}

func TestSQLiteGetRunNotFound(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSQLiteSessionHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{-48 * time.Hour, -24 * time.Hour, 0, 24 * time.Hour} {
		require.NoError(t, s.RecordSession(ctx, model.SessionRecord{
			SessionID:  string(rune('a' + i)),
			PatientID:  "patient-1",
			RecordedAt: base.Add(offset),
		}))
	}

	// Strictly-earlier cutoff: the session at the cutoff itself and the later
	// one are excluded.
	prior, err := s.ListSessionsBefore(ctx, "patient-1", base)
	require.NoError(t, err)
	require.Len(t, prior, 2)
	assert.Equal(t, "b", prior[0].SessionID) // most recent first

	none, err := s.ListSessionsBefore(ctx, "other-patient", base)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteResearchCache(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	entries := []model.CacheEntry{
		{SearchTerms: "gait asymmetry stroke", Tier: model.TierA, Citation: "cit-a", URL: "https://a.example", Findings: []string{"f1"}, RelevanceScore: 0.9},
		{SearchTerms: "gait asymmetry stroke", Tier: model.TierB, Citation: "cit-b", Findings: []string{"f2"}, RelevanceScore: 0.8},
		{SearchTerms: "gait asymmetry stroke", Tier: model.TierD, Citation: "cit-d", Findings: []string{"f3"}, RelevanceScore: 0.99},
		{SearchTerms: "unrelated terms", Tier: model.TierS, Citation: "cit-s", Findings: []string{"f4"}, RelevanceScore: 1.0},
	}
	for _, e := range entries {
		require.NoError(t, s.CacheWrite(ctx, e))
	}

	t.Run("tier floor excludes weak entries", func(t *testing.T) {
		results, err := s.CacheLookup(ctx, "gait asymmetry stroke", 10, model.TierC)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "cit-a", results[0].Citation)
		assert.Equal(t, []string{"f1"}, results[0].Findings)
	})

	t.Run("limit caps results", func(t *testing.T) {
		results, err := s.CacheLookup(ctx, "gait asymmetry stroke", 1, model.TierC)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "cit-a", results[0].Citation)
	})

	t.Run("miss yields empty", func(t *testing.T) {
		results, err := s.CacheLookup(ctx, "no such terms", 10, model.TierD)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
