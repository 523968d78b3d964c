package importer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sessionlabs/report-engine/internal/model"
)

// FromJSON reads a single session from a JSON file. The document is the
// session metrics object with an optional top-level patient_id.
func FromJSON(path string) (ImportedSession, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ImportedSession{}, eris.Wrap(err, "importer: read file")
	}

	var doc struct {
		model.SessionMetrics
		PatientID string `json:"patient_id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ImportedSession{}, eris.Wrap(err, "importer: decode json")
	}

	if doc.SessionID == "" {
		return ImportedSession{}, eris.New("importer: session_id is required")
	}
	if doc.RecordedAt.IsZero() {
		return ImportedSession{}, eris.New("importer: recorded_at is required")
	}

	return ImportedSession{
		Metrics:   doc.SessionMetrics,
		PatientID: doc.PatientID,
	}, nil
}

// Load reads sessions from path, dispatching on the file extension. JSON
// files hold a single session; spreadsheets may hold many.
func Load(path string) ([]ImportedSession, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		s, err := FromJSON(path)
		if err != nil {
			return nil, err
		}
		return []ImportedSession{s}, nil
	case ".xlsx":
		return FromXLSX(path, XLSXOptions{})
	default:
		return nil, eris.Errorf("importer: unsupported file type %s", filepath.Ext(path))
	}
}
