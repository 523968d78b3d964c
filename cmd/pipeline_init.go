package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sessionlabs/report-engine/internal/evidence"
	"github.com/sessionlabs/report-engine/internal/pipeline"
	"github.com/sessionlabs/report-engine/internal/store"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "report-engine.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv holds the initialized store, backend client, and pipeline
// needed by the run/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the generative client, and the evidence
// tier table, then builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.GenAI.Key == "" {
		return nil, eris.New("backend API key is required (REPORT_GENAI_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rates := cfg.Pricing
	model := cfg.GenAI.Model
	client := genai.NewClient(cfg.GenAI.Key,
		genai.WithModel(model),
		genai.WithPriceFunc(func(in, out int) float64 {
			return rates.Price(model, in, out)
		}),
		genai.WithRateLimit(cfg.GenAI.RequestsPerSec),
		genai.WithMaxSearches(cfg.GenAI.MaxSearches),
	)

	tiers := evidence.DefaultTierTable()
	if cfg.Evidence.TierTablePath != "" {
		tiers, err = evidence.LoadTierTable(cfg.Evidence.TierTablePath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load tier table")
		}
		zap.L().Info("tier table loaded", zap.String("path", cfg.Evidence.TierTablePath))
	}

	p := pipeline.New(client, st, cfg, pipeline.WithTierTable(tiers))

	return &pipelineEnv{
		Store:    st,
		Pipeline: p,
	}, nil
}
