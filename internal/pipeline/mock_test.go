package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

// mockGenAI mocks the generative backend.
type mockGenAI struct {
	mock.Mock
}

func (m *mockGenAI) Generate(ctx context.Context, req genai.GenerateRequest) (*genai.GenerateResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.GenerateResponse), args.Error(1)
}

func (m *mockGenAI) GenerateGrounded(ctx context.Context, req genai.GenerateRequest) (*genai.GroundedResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.GroundedResponse), args.Error(1)
}

// mockStore mocks run persistence, session history, and the research cache.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateRun(ctx context.Context, sessionID, patientID string) (*store.Run, error) {
	args := m.Called(ctx, sessionID, patientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *mockStore) UpdateRunStatus(ctx context.Context, runID string, status model.PipelineState) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *mockStore) UpdateRunOutput(ctx context.Context, runID string, output *model.PipelineOutput) error {
	args := m.Called(ctx, runID, output)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *mockStore) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockStore) ListSessionsBefore(ctx context.Context, patientID string, before time.Time) ([]model.SessionRecord, error) {
	args := m.Called(ctx, patientID, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SessionRecord), args.Error(1)
}

func (m *mockStore) CacheLookup(ctx context.Context, query string, limit int, minTier model.EvidenceTier) ([]model.CacheResult, error) {
	args := m.Called(ctx, query, limit, minTier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CacheResult), args.Error(1)
}

func (m *mockStore) CacheWrite(ctx context.Context, entry model.CacheEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordingSink captures published states in order.
type recordingSink struct {
	mu     sync.Mutex
	states []model.PipelineState
}

func (s *recordingSink) Publish(_ context.Context, _ string, state model.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *recordingSink) recorded() []model.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PipelineState, len(s.states))
	copy(out, s.states)
	return out
}

// schemaNamed matches a schema-constrained request by schema name.
func schemaNamed(name string) func(genai.GenerateRequest) bool {
	return func(req genai.GenerateRequest) bool {
		return req.Schema != nil && req.Schema.Name == name
	}
}

// promptContains matches a request whose prompt mentions the given text.
func promptContains(s string) func(genai.GenerateRequest) bool {
	return func(req genai.GenerateRequest) bool {
		return strings.Contains(req.Prompt, s)
	}
}
