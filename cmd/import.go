package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sessionlabs/report-engine/internal/importer"
	"github.com/sessionlabs/report-engine/internal/model"
)

var importPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import session history from a spreadsheet",
	Long:  "Loads session rows from an XLSX export into the session history table so trend analysis has a baseline.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sessions, err := importer.FromXLSX(importPath, importer.XLSXOptions{})
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		imported := 0
		skipped := 0
		for _, s := range sessions {
			if s.PatientID == "" {
				skipped++
				continue
			}
			rec := model.SessionRecord{
				SessionID:  s.Metrics.SessionID,
				PatientID:  s.PatientID,
				RecordedAt: s.Metrics.RecordedAt,
			}
			if err := st.RecordSession(ctx, rec); err != nil {
				return eris.Wrapf(err, "record session %s", rec.SessionID)
			}
			imported++
		}

		zap.L().Info("import complete",
			zap.Int("imported", imported),
			zap.Int("skipped_no_patient", skipped),
			zap.String("file", importPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importPath, "file", "", "path to XLSX file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
