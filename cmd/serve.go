package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
)

var servePort int

// runFunc matches pipeline.Pipeline.Run and keeps the handlers testable.
type runFunc func(ctx context.Context, metrics model.SessionMetrics, patient *model.PatientContext) (*model.PipelineOutput, error)

// reportServer carries the handler dependencies.
type reportServer struct {
	store store.Store
	run   runFunc
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for report requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rs := &reportServer{
			store: env.Store,
			run:   env.Pipeline.Run,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: rs.routes(cfg.Server.AllowedOrigins),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func (s *reportServer) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/reports", s.handleCreateReport)
	r.Get("/runs/{id}", s.handleGetRun)

	return r
}

func (s *reportServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reportRequest is the POST /reports body: session metrics plus an optional
// patient id enabling the trend stage.
type reportRequest struct {
	SessionID  string             `json:"session_id"`
	PatientID  string             `json:"patient_id"`
	RecordedAt time.Time          `json:"recorded_at"`
	Scores     map[string]float64 `json:"scores"`
	Notes      string             `json:"notes"`
}

func (s *reportServer) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.RecordedAt.IsZero() {
		writeError(w, http.StatusBadRequest, "recorded_at is required")
		return
	}
	if len(req.Scores) == 0 {
		writeError(w, http.StatusBadRequest, "scores must not be empty")
		return
	}

	metrics := model.SessionMetrics{
		SessionID:  req.SessionID,
		RecordedAt: req.RecordedAt,
		Scores:     req.Scores,
		Notes:      req.Notes,
	}
	var patient *model.PatientContext
	if req.PatientID != "" {
		patient = &model.PatientContext{PatientID: req.PatientID}
	}

	// The report outlives the request; progress is observable via GET /runs.
	go func() {
		out, err := s.run(context.Background(), metrics, patient)
		if err != nil {
			zap.L().Error("report request failed",
				zap.String("session", metrics.SessionID),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("report request complete",
			zap.String("session", metrics.SessionID),
			zap.String("run_id", out.RunID),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"session": req.SessionID,
	})
}

func (s *reportServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
