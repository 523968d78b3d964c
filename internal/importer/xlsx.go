package importer

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sessionlabs/report-engine/internal/model"
)

// Reserved column names. Every other column is treated as a metric score.
const (
	colSessionID  = "session_id"
	colPatientID  = "patient_id"
	colRecordedAt = "recorded_at"
	colNotes      = "notes"
)

// acceptedTimeLayouts are tried in order when parsing recorded_at cells.
var acceptedTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01-02-06", // xlsx default date display
}

// ImportedSession couples session metrics with the optional patient id found
// in the same row.
type ImportedSession struct {
	Metrics   model.SessionMetrics
	PatientID string
}

// XLSXOptions configures the session importer.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// FromXLSX reads session metrics from a spreadsheet export. The first row is
// the header: session_id and recorded_at are required, patient_id and notes
// are optional, and every remaining column is parsed as a numeric score.
func FromXLSX(path string, opts XLSXOptions) ([]ImportedSession, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "importer: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) < 2 {
		return nil, eris.New("importer: sheet has no data rows")
	}

	header := rowToStrings(sheet.Rows[0])
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	sessions := make([]ImportedSession, 0, len(sheet.Rows)-1)
	for i, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if blankRow(cells) {
			continue
		}
		s, err := parseRow(cells, cols)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: row %d", i+2)
		}
		sessions = append(sessions, s)
	}

	if len(sessions) == 0 {
		return nil, eris.New("importer: sheet has no data rows")
	}
	return sessions, nil
}

// columnMap holds the resolved position of each column.
type columnMap struct {
	sessionID  int
	patientID  int // -1 when absent
	recordedAt int
	notes      int // -1 when absent
	scores     map[int]string
}

func mapColumns(header []string) (*columnMap, error) {
	cols := &columnMap{
		sessionID:  -1,
		patientID:  -1,
		recordedAt: -1,
		notes:      -1,
		scores:     make(map[int]string),
	}

	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case colSessionID:
			cols.sessionID = i
		case colPatientID:
			cols.patientID = i
		case colRecordedAt:
			cols.recordedAt = i
		case colNotes:
			cols.notes = i
		case "":
			// skip unnamed columns
		default:
			cols.scores[i] = strings.ToLower(strings.TrimSpace(name))
		}
	}

	if cols.sessionID < 0 {
		return nil, eris.New("importer: missing required column session_id")
	}
	if cols.recordedAt < 0 {
		return nil, eris.New("importer: missing required column recorded_at")
	}
	return cols, nil
}

func parseRow(cells []string, cols *columnMap) (ImportedSession, error) {
	sessionID := cellAt(cells, cols.sessionID)
	if sessionID == "" {
		return ImportedSession{}, eris.New("empty session_id")
	}

	recordedAt, err := parseTime(cellAt(cells, cols.recordedAt))
	if err != nil {
		return ImportedSession{}, err
	}

	scores := make(map[string]float64, len(cols.scores))
	for idx, name := range cols.scores {
		raw := cellAt(cells, idx)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ImportedSession{}, eris.Errorf("column %s: %q is not numeric", name, raw)
		}
		scores[name] = v
	}

	return ImportedSession{
		Metrics: model.SessionMetrics{
			SessionID:  sessionID,
			RecordedAt: recordedAt,
			Scores:     scores,
			Notes:      cellAt(cells, cols.notes),
		},
		PatientID: cellAt(cells, cols.patientID),
	}, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, eris.New("empty recorded_at")
	}
	for _, layout := range acceptedTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable recorded_at %q", raw)
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("importer: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("importer: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func cellAt(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
