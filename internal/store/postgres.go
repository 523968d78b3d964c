package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/resilience"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. It is satisfied
// by pgxmock's pool interface in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	retry   resilience.RetryConfig
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("postgres", "write")

	return &PostgresStore{
		pool:    pool,
		retry:   retry,
		closeFn: pool.Close,
	}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	patient_id TEXT,
	status     TEXT NOT NULL DEFAULT 'pending',
	output     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	patient_id  TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS research_cache (
	id              TEXT PRIMARY KEY,
	search_terms    TEXT NOT NULL,
	tier            TEXT NOT NULL,
	citation        TEXT NOT NULL,
	url             TEXT,
	findings        JSONB NOT NULL,
	relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_research_cache_terms ON research_cache(search_terms);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, sessionID, patientID string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx,
			`INSERT INTO runs (id, session_id, patient_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			id, sessionID, patientID, string(model.StatePending), now, now,
		)
		return execErr
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:        id,
		SessionID: sessionID,
		PatientID: patientID,
		Status:    model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.PipelineState) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx,
			`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
			string(status), time.Now().UTC(), runID,
		)
		return execErr
	})
	return eris.Wrap(err, "postgres: update run status")
}

func (s *PostgresStore) UpdateRunOutput(ctx context.Context, runID string, output *model.PipelineOutput) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal output")
	}
	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx,
			`UPDATE runs SET output = $1, updated_at = $2 WHERE id = $3`,
			raw, time.Now().UTC(), runID,
		)
		return execErr
	})
	return eris.Wrap(err, "postgres: update run output")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run    Run
		output []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, patient_id, status, output, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.SessionID, &run.PatientID, &run.Status, &output, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if len(output) > 0 {
		var po model.PipelineOutput
		if err := json.Unmarshal(output, &po); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal output")
		}
		run.Output = &po
	}
	return &run, nil
}

func (s *PostgresStore) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx,
			`INSERT INTO sessions (id, session_id, patient_id, recorded_at) VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), rec.SessionID, rec.PatientID, rec.RecordedAt.UTC(),
		)
		return execErr
	})
	return eris.Wrap(err, "postgres: record session")
}

func (s *PostgresStore) ListSessionsBefore(ctx context.Context, patientID string, before time.Time) ([]model.SessionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, patient_id, recorded_at FROM sessions WHERE patient_id = $1 AND recorded_at < $2 ORDER BY recorded_at DESC`,
		patientID, before.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var records []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.PatientID, &rec.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: iterate sessions")
}

func (s *PostgresStore) CacheLookup(ctx context.Context, query string, limit int, minTier model.EvidenceTier) ([]model.CacheResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT citation, url, findings, tier, relevance_score FROM research_cache WHERE search_terms = $1 ORDER BY relevance_score DESC`,
		query,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache lookup")
	}
	defer rows.Close()

	var all []model.CacheResult
	for rows.Next() {
		var (
			r        model.CacheResult
			url      *string
			findings []byte
		)
		if err := rows.Scan(&r.Citation, &url, &findings, &r.Tier, &r.RelevanceScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache row")
		}
		if url != nil {
			r.URL = *url
		}
		if err := json.Unmarshal(findings, &r.Findings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal findings")
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate cache rows")
	}

	return filterCacheResults(all, limit, minTier), nil
}

func (s *PostgresStore) CacheWrite(ctx context.Context, entry model.CacheEntry) error {
	findings, err := json.Marshal(entry.Findings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal findings")
	}
	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx,
			`INSERT INTO research_cache (id, search_terms, tier, citation, url, findings, relevance_score, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New().String(), entry.SearchTerms, string(entry.Tier), entry.Citation, entry.URL, findings, entry.RelevanceScore, time.Now().UTC(),
		)
		return execErr
	})
	return eris.Wrap(err, "postgres: cache write")
}
