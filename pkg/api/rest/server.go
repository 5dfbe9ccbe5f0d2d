// Package rest provides the HTTP API for browsing experiments and
// following runs live.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/trackflow/trackflow/internal/model"
	"github.com/trackflow/trackflow/pkg/query"
	"github.com/trackflow/trackflow/pkg/storage"
)

// EventSource delivers live run events to API subscribers. Both the
// in-process engine and the filesystem watch hub satisfy it.
type EventSource interface {
	Subscribe(experiment, run string) (<-chan model.LiveEvent, func(), error)
}

// Server is the REST API server.
type Server struct {
	addr        string
	baseDir     string
	queryEngine *query.Engine
	events      EventSource
	corsOrigins []string
	mux         *http.ServeMux
	server      *http.Server
}

// Config configures the server.
type Config struct {
	Addr        string
	BaseDir     string
	QueryEngine *query.Engine
	Events      EventSource
	CORSOrigins []string
}

// NewServer creates a new REST API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		addr:        cfg.Addr,
		baseDir:     cfg.BaseDir,
		queryEngine: cfg.QueryEngine,
		events:      cfg.Events,
		corsOrigins: cfg.CORSOrigins,
		mux:         http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// API v1
	s.mux.HandleFunc("GET /v1/experiments", s.handleListExperiments)
	s.mux.HandleFunc("GET /v1/experiments/{experiment}/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/experiments/{experiment}/runs/{run}", s.handleRunDetail)
	s.mux.HandleFunc("GET /v1/experiments/{experiment}/runs/{run}/metrics", s.handleRunMetrics)
	s.mux.HandleFunc("GET /v1/experiments/{experiment}/runs/{run}/log", s.handleRunLog)
	s.mux.HandleFunc("GET /v1/experiments/{experiment}/runs/{run}/events", s.handleRunEvents)
}

// Handler returns the server's routing handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.mux)
}

// Start starts the server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the events endpoint streams indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.corsOrigins) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigins[0])
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	names, err := storage.ListExperiments(s.baseDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list experiments: %v", err))
		return
	}

	experiments := make([]ExperimentSummary, 0, len(names))
	for _, name := range names {
		summary := ExperimentSummary{Name: name}
		if meta, err := storage.LoadExperimentMetadata(s.baseDir, name); err == nil {
			summary.DisplayName = meta.DisplayName
			summary.Description = meta.Description
			summary.Tags = meta.Tags
		}
		if runs, err := storage.ListRuns(s.baseDir, name); err == nil {
			summary.RunCount = len(runs)
		}
		experiments = append(experiments, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": experiments})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	experiment := r.PathValue("experiment")
	runs, err := storage.ListRuns(s.baseDir, experiment)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown experiment: %s", experiment))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summary := RunSummary{Name: run}
		if meta, err := storage.LoadRunMetadata(storage.RunPath(s.baseDir, experiment, run)); err == nil {
			summary.Status = meta.Status
			summary.StartedAt = meta.StartedAt
			summary.FinishedAt = meta.FinishedAt
			summary.DurationSecs = meta.DurationSecs
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiment": experiment, "runs": summaries})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runPath, ok := s.runPath(w, r)
	if !ok {
		return
	}

	meta, err := storage.LoadRunMetadata(runPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load run metadata: %v", err))
		return
	}
	params, err := storage.LoadParams(runPath)
	if err != nil && !os.IsNotExist(err) {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load params: %v", err))
		return
	}

	paramView := make(map[string]any, len(params))
	for k, v := range params {
		paramView[k] = v.Interface()
	}
	writeJSON(w, http.StatusOK, RunDetail{Metadata: meta, Params: paramView})
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	runPath, ok := s.runPath(w, r)
	if !ok {
		return
	}

	rows, err := s.queryEngine.RunMetrics(r.Context(), runPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read metrics: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, MetricsResponse{Rows: rows, RowCount: int64(len(rows))})
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runPath, ok := s.runPath(w, r)
	if !ok {
		return
	}

	data, err := storage.ReadLog(runPath)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("read log: %v", err))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

func (s *Server) runPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	experiment := r.PathValue("experiment")
	run := r.PathValue("run")
	path := storage.RunPath(s.baseDir, experiment, run)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown run: %s/%s", experiment, run))
		return "", false
	}
	return path, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
	})
}

var errNoEvents = errors.New("event streaming not enabled")
