// Package api exposes runs, provider health and phase records over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/pipeline"
	"github.com/sells-group/dasv/internal/store"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, subjectID string, params pipeline.Params) (*pipeline.Outcome, error)
}

// RunStore is the part of the audit store the API reads and writes.
type RunStore interface {
	CreateRun(ctx context.Context, subjectID, runDate string) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error)
}

// HealthReader reports the last known provider health without probing.
type HealthReader interface {
	Snapshot() []model.ServiceHealth
	OpenCircuits() []string
}

// Server holds the API dependencies. Runs started through POST /runs use
// the base context, not the request's.
type Server struct {
	base    context.Context
	runner  Runner
	runs    RunStore
	records store.Records
	health  HealthReader
	wg      sync.WaitGroup
}

// NewServer creates a Server. base bounds the lifetime of async runs.
func NewServer(base context.Context, runner Runner, runs RunStore, records store.Records, health HealthReader) *Server {
	return &Server{base: base, runner: runner, runs: runs, records: records, health: health}
}

// Wait blocks until every async run has finished.
func (s *Server) Wait() { s.wg.Wait() }

// Router builds the HTTP handler.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	r.Get("/providers/health", s.handleProviderHealth)
	r.Get("/records/{subject}/{date}/{phase}", s.handleRecord)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunRequest struct {
	SubjectID string   `json:"subject_id"`
	RunDate   string   `json:"run_date"`
	Category  string   `json:"category"`
	Facts     []string `json:"facts"`
	Degraded  bool     `json:"degraded"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	subject := model.NormalizeSubject(req.SubjectID)
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	if _, err := time.Parse(time.DateOnly, req.RunDate); err != nil {
		writeError(w, http.StatusBadRequest, "run_date must be YYYY-MM-DD")
		return
	}
	category, err := model.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.runs.CreateRun(r.Context(), subject, req.RunDate)
	if err != nil {
		zap.L().Error("api: create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	params := pipeline.Params{
		RunDate:  req.RunDate,
		Category: category,
		Facts:    req.Facts,
		Degraded: req.Degraded,
		RunID:    run.ID,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.runner.Run(s.base, subject, params)
		log := zap.L().With(zap.String("run_id", run.ID), zap.String("subject", subject))
		if err != nil {
			log.Error("api: run ended with error", zap.Error(err))
			return
		}
		log.Info("api: run complete", zap.String("state", string(out.State)), zap.Float64("score", out.Score))
	}()

	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:    model.RunStatus(q.Get("status")),
		SubjectID: model.NormalizeSubject(q.Get("subject_id")),
		RunDate:   q.Get("run_date"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

type runResponse struct {
	*model.Run
	Phases []model.RunPhase `json:"phases"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	phases, err := s.runs.ListPhases(r.Context(), id)
	if err != nil {
		zap.L().Error("api: list phases", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load phases")
		return
	}
	if phases == nil {
		phases = []model.RunPhase{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Phases: phases})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":     s.health.Snapshot(),
		"open_circuits": s.health.OpenCircuits(),
	})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	date := chi.URLParam(r, "date")
	phase := model.Phase(chi.URLParam(r, "phase"))
	if !phase.Valid() {
		writeError(w, http.StatusBadRequest, "unknown phase")
		return
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	if r.URL.Query().Get("history") == "true" {
		recs, err := s.records.History(r.Context(), subject, date, phase)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(recs) == 0 {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	latest := s.records.Latest
	if r.URL.Query().Get("blocked") == "true" {
		latest = s.records.Quarantined
	}
	rec, err := latest(r.Context(), subject, date, phase)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
