package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sessionlabs/report-engine/internal/importer"
	"github.com/sessionlabs/report-engine/internal/model"
)

var (
	runInput   string
	runPatient string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate a report for sessions in a metrics file",
	Long:  "Reads session metrics from a JSON or XLSX file and runs the full report pipeline for each session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sessions, err := importer.Load(runInput)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		for _, s := range sessions {
			patientID := s.PatientID
			if runPatient != "" {
				patientID = runPatient
			}
			var patient *model.PatientContext
			if patientID != "" {
				patient = &model.PatientContext{PatientID: patientID}
			}

			out, err := env.Pipeline.Run(ctx, s.Metrics, patient)
			if err != nil {
				return eris.Wrapf(err, "pipeline run for session %s", s.Metrics.SessionID)
			}

			zap.L().Info("report complete",
				zap.String("session", out.SessionID),
				zap.String("run_id", out.RunID),
				zap.Int("sections", len(out.EnrichedSections)),
				zap.Int("failed_enrichments", len(out.FailedEnrichments)),
				zap.Int("total_tokens", out.TokenUsage.Total.TotalTokens),
			)

			if err := enc.Encode(out); err != nil {
				return eris.Wrap(err, "encode output")
			}
		}

		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "path to session metrics file, .json or .xlsx (required)")
	runCmd.Flags().StringVar(&runPatient, "patient", "", "patient ID override enabling trend analysis")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
