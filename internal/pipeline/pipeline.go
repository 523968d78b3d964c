package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sessionlabs/report-engine/internal/config"
	"github.com/sessionlabs/report-engine/internal/cost"
	"github.com/sessionlabs/report-engine/internal/evidence"
	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

// Pipeline orchestrates a full report run: synthesis, enrichment fan-out,
// and the optional trend stage.
type Pipeline struct {
	client   genai.Client
	store    store.Store
	sink     StatusSink
	tiers    *evidence.TierTable
	resolver *evidence.Resolver
	cfg      *config.Config
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSink replaces the default store-backed status sink.
func WithSink(sink StatusSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithTierTable replaces the built-in evidence tier table.
func WithTierTable(tiers *evidence.TierTable) Option {
	return func(p *Pipeline) { p.tiers = tiers }
}

// WithResolver replaces the default redirect resolver.
func WithResolver(r *evidence.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// New builds a Pipeline over a generative client and a store.
func New(client genai.Client, st store.Store, cfg *config.Config, opts ...Option) *Pipeline {
	var resolverOpts []evidence.ResolverOption
	if len(cfg.Evidence.GatewayHosts) > 0 {
		resolverOpts = append(resolverOpts, evidence.WithGatewayHosts(cfg.Evidence.GatewayHosts))
	}
	p := &Pipeline{
		client:   client,
		store:    st,
		sink:     StoreSink{Store: st},
		tiers:    evidence.DefaultTierTable(),
		resolver: evidence.NewResolver(resolverOpts...),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline for one session. Synthesis failure is the only
// fatal path; every later stage degrades instead of failing the run.
func (p *Pipeline) Run(ctx context.Context, metrics model.SessionMetrics, patient *model.PatientContext) (*model.PipelineOutput, error) {
	startedAt := time.Now().UTC()

	patientID := ""
	if patient != nil {
		patientID = patient.PatientID
	}

	runID := p.createRun(ctx, metrics.SessionID, patientID)
	log := zap.L().With(zap.String("run_id", runID), zap.String("session_id", metrics.SessionID))

	sm := model.NewStateMachine()
	p.transition(ctx, sm, runID, model.StateAnalyzing)

	synthesis, synthUsage, err := runSynthesis(ctx, p.client, p.cfg.GenAI, metrics)
	if err != nil {
		p.transition(ctx, sm, runID, model.StateFailed)
		return nil, eris.Wrap(err, "pipeline: synthesis stage")
	}
	log.Info("synthesis complete", zap.Int("sections", len(synthesis.Sections)))

	if patientID != "" {
		rec := model.SessionRecord{
			SessionID:  metrics.SessionID,
			PatientID:  patientID,
			RecordedAt: metrics.RecordedAt,
		}
		if err := p.store.RecordSession(ctx, rec); err != nil {
			log.Warn("pipeline: session record dropped", zap.Error(err))
		}
	}

	p.transition(ctx, sm, runID, model.StateResearching)
	enriched, failed, enrichUsage := p.fanOut(ctx, synthesis.Sections)
	log.Info("enrichment complete",
		zap.Int("enriched", len(enriched)),
		zap.Int("failed", len(failed)),
	)

	var trend *model.TrendResult
	var trendUsage model.TokenUsage
	if patientID != "" {
		p.transition(ctx, sm, runID, model.StateCrossAnalyzing)
		var trendErr error
		trend, trendUsage, trendErr = runTrend(ctx, p.client, p.store, p.cfg.GenAI, patientID, metrics)
		if trendErr != nil {
			log.Warn("pipeline: trend stage degraded", zap.Error(trendErr))
			trend = nil
		}
	}

	p.transition(ctx, sm, runID, model.StateCompleted)
	completedAt := time.Now().UTC()

	output := &model.PipelineOutput{
		RunID:             runID,
		SessionID:         metrics.SessionID,
		PatientID:         patientID,
		Synthesis:         *synthesis,
		Sections:          synthesis.Sections,
		EnrichedSections:  enriched,
		FailedEnrichments: failed,
		Trend:             trend,
		TokenUsage: model.UsageBreakdown{
			Synthesis:  synthUsage,
			Enrichment: enrichUsage,
			Trend:      trendUsage,
			Total:      cost.Sum(synthUsage, enrichUsage, trendUsage),
		},
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		TotalDurationMs: completedAt.Sub(startedAt).Milliseconds(),
	}

	if err := p.store.UpdateRunOutput(ctx, runID, output); err != nil {
		log.Warn("pipeline: output persistence failed", zap.Error(err))
	}

	return output, nil
}

// fanOut enriches every research-flagged section concurrently, one task per
// section, preserving synthesis order in both result slices.
func (p *Pipeline) fanOut(ctx context.Context, sections []model.Section) ([]model.EnrichedSection, []string, model.TokenUsage) {
	e := &enricher{
		client:   p.client,
		store:    p.store,
		tiers:    p.tiers,
		resolver: p.resolver,
		genCfg:   p.cfg.GenAI,
		pipeCfg:  p.cfg.Pipeline,
	}

	results := make([]model.EnrichedSection, len(sections))
	usages := make([]model.TokenUsage, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	for i, sec := range sections {
		if !sec.NeedsResearch {
			results[i] = PassthroughSection(sec)
			continue
		}
		g.Go(func() error {
			results[i], usages[i] = e.Enrich(gctx, sec)
			return nil
		})
	}
	// Tasks never return errors, so Wait only synchronizes.
	_ = g.Wait()

	var failed []string
	for _, r := range results {
		if r.EnrichmentFailed {
			failed = append(failed, r.Section.ID)
		}
	}
	return results, failed, cost.Sum(usages...)
}

// createRun registers the run in the store. Persistence failure downgrades
// to an in-memory run id rather than blocking the pipeline.
func (p *Pipeline) createRun(ctx context.Context, sessionID, patientID string) string {
	run, err := p.store.CreateRun(ctx, sessionID, patientID)
	if err != nil {
		id := uuid.NewString()
		zap.L().Warn("pipeline: run persistence unavailable",
			zap.String("fallback_run_id", id),
			zap.Error(err),
		)
		return id
	}
	return run.ID
}

// transition advances the state machine and publishes the new state. Sink
// failures are logged and dropped.
func (p *Pipeline) transition(ctx context.Context, sm *model.StateMachine, runID string, next model.PipelineState) {
	if err := sm.Transition(next); err != nil {
		zap.L().Error("pipeline: state transition rejected", zap.Error(err))
		return
	}
	if err := p.sink.Publish(ctx, runID, next); err != nil {
		zap.L().Warn("pipeline: status publish dropped",
			zap.String("run_id", runID),
			zap.String("state", string(next)),
			zap.Error(err),
		)
	}
}
