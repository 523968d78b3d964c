package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sessionlabs/report-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	patient_id TEXT,
	status     TEXT NOT NULL DEFAULT 'pending',
	output     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	patient_id  TEXT NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS research_cache (
	id              TEXT PRIMARY KEY,
	search_terms    TEXT NOT NULL,
	tier            TEXT NOT NULL,
	citation        TEXT NOT NULL,
	url             TEXT,
	findings        TEXT NOT NULL,
	relevance_score REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_research_cache_terms ON research_cache(search_terms);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, sessionID, patientID string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, patient_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, patientID, string(model.StatePending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.PipelineState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	return eris.Wrap(err, "sqlite: update run status")
}

func (s *SQLiteStore) UpdateRunOutput(ctx context.Context, runID string, output *model.PipelineOutput) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal output")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET output = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC(), runID,
	)
	return eris.Wrap(err, "sqlite: update run output")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run    Run
		output sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, patient_id, status, output, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	).Scan(&run.ID, &run.SessionID, &run.PatientID, &run.Status, &output, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	if output.Valid && output.String != "" {
		var po model.PipelineOutput
		if err := json.Unmarshal([]byte(output.String), &po); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal output")
		}
		run.Output = &po
	}
	return &run, nil
}

func (s *SQLiteStore) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_id, patient_id, recorded_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), rec.SessionID, rec.PatientID, rec.RecordedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: record session")
}

func (s *SQLiteStore) ListSessionsBefore(ctx context.Context, patientID string, before time.Time) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, patient_id, recorded_at FROM sessions WHERE patient_id = ? AND recorded_at < ? ORDER BY recorded_at DESC`,
		patientID, before.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var records []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.PatientID, &rec.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate sessions")
}

func (s *SQLiteStore) CacheLookup(ctx context.Context, query string, limit int, minTier model.EvidenceTier) ([]model.CacheResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT citation, url, findings, tier, relevance_score FROM research_cache WHERE search_terms = ? ORDER BY relevance_score DESC`,
		query,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache lookup")
	}
	defer rows.Close()

	var all []model.CacheResult
	for rows.Next() {
		var (
			r        model.CacheResult
			url      sql.NullString
			findings string
		)
		if err := rows.Scan(&r.Citation, &url, &findings, &r.Tier, &r.RelevanceScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache row")
		}
		r.URL = url.String
		if err := json.Unmarshal([]byte(findings), &r.Findings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal findings")
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate cache rows")
	}

	return filterCacheResults(all, limit, minTier), nil
}

func (s *SQLiteStore) CacheWrite(ctx context.Context, entry model.CacheEntry) error {
	findings, err := json.Marshal(entry.Findings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal findings")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_cache (id, search_terms, tier, citation, url, findings, relevance_score, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), entry.SearchTerms, string(entry.Tier), entry.Citation, entry.URL, string(findings), entry.RelevanceScore, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: cache write")
}
