package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sessionlabs/report-engine/internal/config"
	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

const synthesisJSON = `{
	"grade": "B",
	"sub_scores": {"mobility": 6.5, "engagement": 8.0},
	"sections": [
		{"id": "gait-asymmetry", "title": "Gait asymmetry", "priority": 9,
		 "narrative": "Marked left-right asymmetry during gait trials.",
		 "search_queries": ["gait asymmetry rehabilitation"],
		 "recommendations": ["Increase gait training frequency"],
		 "needs_research": true},
		{"id": "engagement", "title": "Session engagement", "priority": 4,
		 "narrative": "Engagement remained high across all tasks.",
		 "needs_research": false},
		{"id": "grip-fatigue", "title": "Grip fatigue", "priority": 7,
		 "narrative": "Grip strength declined sharply in later repetitions.",
		 "search_queries": ["grip strength fatigue therapy"],
		 "recommendations": ["Shorten grip blocks"],
		 "needs_research": true}
	],
	"summary": "Solid session with two findings needing follow-up."
}`

const gaitEnrichmentJSON = `{
	"narrative": "Marked asymmetry persists [1] and targeted training is supported by current evidence.",
	"explanation": "Asymmetric gait correlates with elevated fall risk.",
	"citations": [
		{"text": "Gait asymmetry predicts falls [2].", "source": "J Rehabil Med", "tier": "A"}
	],
	"links": [
		{"url": "https://pubmed.ncbi.nlm.nih.gov/12345/", "title": "Asymmetry study", "relevance": "direct"}
	],
	"evidence_strength": "A",
	"contradiction": false,
	"recommendation": "Increase task-specific gait training."
}`

func testConfig() *config.Config {
	return &config.Config{
		GenAI: config.GenAIConfig{
			Model:           "claude-sonnet-4-5-20250929",
			MaxOutputTokens: 1024,
			Temperature:     0.3,
		},
		Pipeline: config.PipelineConfig{
			CacheQueryLimit:    5,
			CacheQueriesPerRun: 3,
		},
	}
}

func testMetrics() model.SessionMetrics {
	return model.SessionMetrics{
		SessionID:  "sess-1",
		RecordedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Scores:     map[string]float64{"mobility": 6.5, "grip": 4.2},
	}
}

func TestRunCompletesWithPartialEnrichmentFailure(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	st.On("CreateRun", mock.Anything, "sess-1", "").Return(&store.Run{ID: "run-1"}, nil)
	st.On("CacheLookup", mock.Anything, mock.Anything, 5, model.TierC).Return([]model.CacheResult{}, nil)
	st.On("CacheWrite", mock.Anything, mock.MatchedBy(func(e model.CacheEntry) bool {
		return e.Tier == model.TierA
	})).Return(nil)
	st.On("UpdateRunOutput", mock.Anything, "run-1", mock.Anything).Return(nil)

	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("session_synthesis"))).
		Return(&genai.GenerateResponse{
			Text:  synthesisJSON,
			Usage: genai.TokenUsage{InputTokens: 200, OutputTokens: 100, TotalTokens: 300},
		}, nil)
	client.On("GenerateGrounded", mock.Anything, mock.MatchedBy(promptContains("Gait asymmetry"))).
		Return(&genai.GroundedResponse{
			GenerateResponse: genai.GenerateResponse{
				Text:  "Recent trials support asymmetry-targeted training [1].",
				Usage: genai.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
			},
		}, nil)
	client.On("GenerateGrounded", mock.Anything, mock.MatchedBy(promptContains("Grip fatigue"))).
		Return(nil, errors.New("search backend unavailable"))
	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("section_enrichment"))).
		Return(&genai.GenerateResponse{
			Text:  gaitEnrichmentJSON,
			Usage: genai.TokenUsage{InputTokens: 80, OutputTokens: 40, TotalTokens: 120},
		}, nil)

	p := New(client, st, testConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), testMetrics(), nil)
	require.NoError(t, err)

	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, []model.PipelineState{
		model.StateAnalyzing,
		model.StateResearching,
		model.StateCompleted,
	}, sink.recorded())

	// One enriched section per input section, in synthesis order.
	require.Len(t, out.EnrichedSections, 3)
	assert.Equal(t, "gait-asymmetry", out.EnrichedSections[0].Section.ID)
	assert.Equal(t, "engagement", out.EnrichedSections[1].Section.ID)
	assert.Equal(t, "grip-fatigue", out.EnrichedSections[2].Section.ID)

	gait := out.EnrichedSections[0]
	assert.False(t, gait.EnrichmentFailed)
	assert.Equal(t, model.TierA, gait.EvidenceStrength)
	assert.NotContains(t, gait.Narrative, "[1]")
	require.Len(t, gait.Citations, 1)
	assert.NotContains(t, gait.Citations[0].Text, "[2]")
	require.NotEmpty(t, gait.Links)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/12345/", gait.Links[0].URL)

	passthrough := out.EnrichedSections[1]
	assert.False(t, passthrough.EnrichmentFailed)
	assert.Equal(t, passthrough.Section.Narrative, passthrough.Narrative)
	assert.Equal(t, model.TierD, passthrough.EvidenceStrength)

	degraded := out.EnrichedSections[2]
	assert.True(t, degraded.EnrichmentFailed)
	assert.Equal(t, degraded.Section.Narrative, degraded.Narrative)
	assert.Equal(t, model.TierD, degraded.EvidenceStrength)
	assert.Equal(t, "Shorten grip blocks", degraded.Recommendation)
	assert.NotEmpty(t, degraded.EnrichmentError)

	assert.Equal(t, []string{"grip-fatigue"}, out.FailedEnrichments)
	assert.Nil(t, out.Trend)

	// Usage: synthesis 300, enrichment 150 grounded + 120 format. The failed
	// grounded call contributed nothing.
	assert.Equal(t, 300, out.TokenUsage.Synthesis.TotalTokens)
	assert.Equal(t, 270, out.TokenUsage.Enrichment.TotalTokens)
	assert.Equal(t, 0, out.TokenUsage.Trend.TotalTokens)
	assert.Equal(t, 570, out.TokenUsage.Total.TotalTokens)

	assert.False(t, out.CompletedAt.Before(out.StartedAt))
	st.AssertNumberOfCalls(t, "CacheWrite", 1)
	st.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestRunSynthesisFailureIsFatal(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	st.On("CreateRun", mock.Anything, "sess-1", "").Return(&store.Run{ID: "run-2"}, nil)
	client.On("Generate", mock.Anything, mock.Anything).
		Return(nil, errors.New("backend overloaded"))

	p := New(client, st, testConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), testMetrics(), nil)

	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "synthesis")
	assert.Equal(t, []model.PipelineState{
		model.StateAnalyzing,
		model.StateFailed,
	}, sink.recorded())
	st.AssertNotCalled(t, "UpdateRunOutput", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunMalformedSynthesisIsFatal(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	st.On("CreateRun", mock.Anything, "sess-1", "").Return(&store.Run{ID: "run-3"}, nil)
	client.On("Generate", mock.Anything, mock.Anything).
		Return(&genai.GenerateResponse{
			Text: `{"grade": "", "sections": [], "summary": "s"}`,
		}, nil)

	p := New(client, st, testConfig(), WithSink(sink))
	_, err := p.Run(context.Background(), testMetrics(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "grade")
	assert.Contains(t, err.Error(), "sections")
	assert.Equal(t, model.StateFailed, sink.recorded()[len(sink.recorded())-1])
}

func singleSectionSynthesis() *genai.GenerateResponse {
	return &genai.GenerateResponse{
		Text: `{
			"grade": "A",
			"sections": [
				{"id": "balance", "title": "Balance", "priority": 5,
				 "narrative": "Balance scores within expected range.",
				 "needs_research": false}
			],
			"summary": "Stable session."
		}`,
		Usage: genai.TokenUsage{InputTokens: 150, OutputTokens: 60, TotalTokens: 210},
	}
}

func TestRunTrendFailureDegrades(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	st.On("CreateRun", mock.Anything, "sess-1", "pat-9").Return(&store.Run{ID: "run-4"}, nil)
	st.On("RecordSession", mock.Anything, mock.Anything).Return(nil)
	st.On("ListSessionsBefore", mock.Anything, "pat-9", mock.Anything).
		Return(nil, errors.New("history table unavailable"))
	st.On("UpdateRunOutput", mock.Anything, "run-4", mock.Anything).Return(nil)

	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("session_synthesis"))).
		Return(singleSectionSynthesis(), nil)

	p := New(client, st, testConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), testMetrics(), &model.PatientContext{PatientID: "pat-9"})

	require.NoError(t, err)
	assert.Nil(t, out.Trend)
	assert.Equal(t, []model.PipelineState{
		model.StateAnalyzing,
		model.StateResearching,
		model.StateCrossAnalyzing,
		model.StateCompleted,
	}, sink.recorded())
	assert.Equal(t, 0, out.TokenUsage.Trend.TotalTokens)
	st.AssertExpectations(t)
}

func TestRunTrendBackendFailureDegrades(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	prior := []model.SessionRecord{
		{SessionID: "sess-0", PatientID: "pat-9", RecordedAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)},
	}

	st.On("CreateRun", mock.Anything, "sess-1", "pat-9").Return(&store.Run{ID: "run-7"}, nil)
	st.On("RecordSession", mock.Anything, mock.Anything).Return(nil)
	st.On("ListSessionsBefore", mock.Anything, "pat-9", mock.Anything).Return(prior, nil)
	st.On("UpdateRunOutput", mock.Anything, "run-7", mock.Anything).Return(nil)

	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("session_synthesis"))).
		Return(singleSectionSynthesis(), nil)
	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("longitudinal_trend"))).
		Return(nil, errors.New("network unreachable"))

	p := New(client, st, testConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), testMetrics(), &model.PatientContext{PatientID: "pat-9"})

	require.NoError(t, err)
	assert.Nil(t, out.Trend)
	assert.Equal(t, model.StateCompleted, sink.recorded()[len(sink.recorded())-1])
	assert.Equal(t, 0, out.TokenUsage.Trend.TotalTokens)
	assert.Equal(t, 210, out.TokenUsage.Total.TotalTokens)
	client.AssertExpectations(t)
}

func TestRunTrendInsufficientHistory(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}

	st.On("CreateRun", mock.Anything, "sess-1", "pat-9").Return(&store.Run{ID: "run-5"}, nil)
	st.On("UpdateRunStatus", mock.Anything, "run-5", mock.Anything).Return(nil)
	st.On("RecordSession", mock.Anything, mock.Anything).Return(nil)
	st.On("ListSessionsBefore", mock.Anything, "pat-9", mock.Anything).
		Return([]model.SessionRecord{}, nil)
	st.On("UpdateRunOutput", mock.Anything, "run-5", mock.Anything).Return(nil)

	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("session_synthesis"))).
		Return(singleSectionSynthesis(), nil)

	p := New(client, st, testConfig())
	out, err := p.Run(context.Background(), testMetrics(), &model.PatientContext{PatientID: "pat-9"})

	require.NoError(t, err)
	require.NotNil(t, out.Trend)
	assert.True(t, out.Trend.InsufficientHistory)
	assert.Equal(t, 0, out.Trend.AvailableSessions)
	// No trend backend call was registered; an attempt would fail the mock.
	client.AssertExpectations(t)
}

func TestRunTrendWithHistory(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	prior := []model.SessionRecord{
		{SessionID: "sess-0b", PatientID: "pat-9", RecordedAt: time.Date(2026, 2, 24, 9, 0, 0, 0, time.UTC)},
		{SessionID: "sess-0a", PatientID: "pat-9", RecordedAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)},
	}

	st.On("CreateRun", mock.Anything, "sess-1", "pat-9").Return(&store.Run{ID: "run-6"}, nil)
	st.On("RecordSession", mock.Anything, mock.Anything).Return(nil)
	st.On("ListSessionsBefore", mock.Anything, "pat-9", testMetrics().RecordedAt).Return(prior, nil)
	st.On("UpdateRunOutput", mock.Anything, "run-6", mock.Anything).Return(nil)

	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("session_synthesis"))).
		Return(singleSectionSynthesis(), nil)
	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("longitudinal_trend"))).
		Return(&genai.GenerateResponse{
			Text: `{
				"insights": ["Mobility scores improving across sessions."],
				"baseline_comparison": "Above the February baseline.",
				"confidence": "medium"
			}`,
			Usage: genai.TokenUsage{InputTokens: 90, OutputTokens: 45, TotalTokens: 135},
		}, nil)

	p := New(client, st, testConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), testMetrics(), &model.PatientContext{PatientID: "pat-9"})

	require.NoError(t, err)
	require.NotNil(t, out.Trend)
	assert.False(t, out.Trend.InsufficientHistory)
	assert.Equal(t, 2, out.Trend.AvailableSessions)
	assert.Equal(t, "medium", out.Trend.Confidence)
	assert.Equal(t, 135, out.TokenUsage.Trend.TotalTokens)
	assert.Equal(t, 210+135, out.TokenUsage.Total.TotalTokens)
	st.AssertExpectations(t)
	client.AssertExpectations(t)
}

// gatedClient blocks every grounded call until all expected tasks have
// started, recording the peak number in flight. Any cap below the section
// count would leave tasks waiting on the barrier and show up as a lower peak.
type gatedClient struct {
	mu      sync.Mutex
	want    int
	current int
	peak    int
	all     chan struct{}
}

func newGatedClient(want int) *gatedClient {
	return &gatedClient{want: want, all: make(chan struct{})}
}

func (c *gatedClient) Generate(_ context.Context, _ genai.GenerateRequest) (*genai.GenerateResponse, error) {
	return nil, errors.New("unexpected format call")
}

func (c *gatedClient) GenerateGrounded(_ context.Context, _ genai.GenerateRequest) (*genai.GroundedResponse, error) {
	c.mu.Lock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	if c.current == c.want {
		close(c.all)
	}
	c.mu.Unlock()

	select {
	case <-c.all:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	c.current--
	c.mu.Unlock()
	return nil, errors.New("barrier release")
}

func (c *gatedClient) observedPeak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func TestFanOutLaunchesEveryResearchTaskConcurrently(t *testing.T) {
	const count = 8
	client := newGatedClient(count)

	sections := make([]model.Section, count)
	for i := range sections {
		sections[i] = model.Section{
			ID:            fmt.Sprintf("finding-%d", i),
			Title:         fmt.Sprintf("Finding %d", i),
			Narrative:     "n",
			NeedsResearch: true,
		}
	}

	p := New(client, &mockStore{}, testConfig())
	results, failed, _ := p.fanOut(context.Background(), sections)

	assert.Equal(t, count, client.observedPeak(), "every research task should run at once")
	assert.Len(t, results, count)
	assert.Len(t, failed, count)
}

func TestRunSurvivesRunPersistenceOutage(t *testing.T) {
	client := &mockGenAI{}
	st := &mockStore{}
	sink := &recordingSink{}

	st.On("CreateRun", mock.Anything, "sess-1", "").Return(nil, errors.New("connection refused"))
	st.On("UpdateRunOutput", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	client.On("Generate", mock.Anything, mock.MatchedBy(schemaNamed("session_synthesis"))).
		Return(singleSectionSynthesis(), nil)

	p := New(client, st, testConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), testMetrics(), nil)

	require.NoError(t, err)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, model.StateCompleted, sink.recorded()[len(sink.recorded())-1])
}
