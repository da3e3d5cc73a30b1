// Package api exposes the HTTP interface for the ingest service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/config"
	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	"github.com/ajslaghu/open-agenda-api/internal/metrics"
	"github.com/ajslaghu/open-agenda-api/internal/source"
)

// RunStore is the part of ingest.RunStore the API needs.
type RunStore interface {
	CreateRun(ctx context.Context, run ingest.Run) error
	GetRun(ctx context.Context, runID string) (ingest.Run, error)
}

// Enqueuer hands run requests to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, req ingest.RunRequest) error
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Coordinator answers readiness questions about the run keyspace.
type Coordinator interface {
	Check(ctx context.Context) (coord.Verdict, error)
	Evaluate(ctx context.Context) (coord.Evaluation, error)
}

// AliasSwapper moves aliases to their newest generation.
type AliasSwapper interface {
	Swap(ctx context.Context, logical string) (alias.Result, error)
	SwapAllResults(ctx context.Context) ([]alias.Result, error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Deps groups the collaborators behind the HTTP handlers. Coordinator,
// Aliases and Reports may be nil; their routes then answer 503.
type Deps struct {
	Runs        RunStore
	Queue       Enqueuer
	IDs         IDGenerator
	Clock       ingest.Clock
	Catalog     *source.Catalog
	Coordinator Coordinator
	Aliases     AliasSwapper
	Reports     ReportReader
	Ready       map[string]ReadyCheck
}

// Server wires HTTP handlers to the run queue, coordinator and alias manager.
type Server struct {
	router  chi.Router
	deps    Deps
	reports *ReportHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		deps:    deps,
		reports: NewReportHandler(deps.Reports, logger),
		logger:  logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Get("/{run_id}", s.getRun)
		})
		r.Get("/coordination", s.checkCoordination)
		r.Post("/coordination/evaluate", s.evaluateCoordination)
		r.Post("/aliases/swap", s.swapAliases)
		r.Get("/reports/source-runs", s.reports.ListSourceRuns)
		r.Get("/reports/runs/{run_id}/failures", s.reports.ListItemFailures)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Sources []string `json:"sources"`
	Version string   `json:"version"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.enqueueRun(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, source.ErrUnknownSource), errors.Is(err, errInvalidVersion), errors.Is(err, errNoSources):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		case errors.Is(err, ingest.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  run.ID,
		"sources": run.Sources,
		"version": run.Version,
	})
}

var (
	errInvalidVersion = errors.New("version must use the layout " + alias.VersionLayout)
	errNoSources      = errors.New("source catalog is empty")
)

func (s *Server) enqueueRun(ctx context.Context, req runRequest) (ingest.Run, error) {
	srcs, err := s.deps.Catalog.Lookup(req.Sources)
	if err != nil {
		return ingest.Run{}, err
	}
	if len(srcs) == 0 {
		return ingest.Run{}, errNoSources
	}
	now := s.deps.Clock.Now()
	version := req.Version
	if version == "" {
		version = ingest.NewBuild(now).Version
	} else if _, err := time.Parse(alias.VersionLayout, version); err != nil {
		return ingest.Run{}, errInvalidVersion
	}
	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return ingest.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	slugs := make([]string, 0, len(srcs))
	for _, src := range srcs {
		slugs = append(slugs, src.Slug)
	}
	run := ingest.Run{
		ID:        runID,
		Status:    ingest.RunQueued,
		Sources:   slugs,
		Version:   version,
		Submitted: now,
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		return ingest.Run{}, fmt.Errorf("create run: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := ingest.RunRequest{
		RunID:     runID,
		Sources:   slugs,
		Version:   version,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.deps.Queue.Enqueue(queueCtx, item); err != nil {
		return ingest.Run{}, fmt.Errorf("enqueue run: %w", err)
	}
	s.logger.Info("run queued", zap.String("run_id", runID), zap.Strings("sources", slugs), zap.String("version", version))
	return run, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ingest.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) checkCoordination(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
		return
	}
	verdict, err := s.deps.Coordinator.Check(r.Context())
	if err != nil {
		s.logger.Error("coordination check failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) evaluateCoordination(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
		return
	}
	eval, err := s.deps.Coordinator.Evaluate(r.Context())
	if err != nil {
		s.logger.Error("coordination evaluate failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"evaluation": eval, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluation": eval})
}

func (s *Server) swapAliases(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aliases == nil {
		writeError(w, http.StatusServiceUnavailable, "alias manager unavailable")
		return
	}
	if logical := r.URL.Query().Get("logical"); logical != "" {
		res, err := s.deps.Aliases.Swap(r.Context(), logical)
		if err != nil {
			writeJSON(w, swapStatus(err), map[string]any{"results": []alias.Result{res}, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": []alias.Result{res}})
		return
	}
	results, err := s.deps.Aliases.SwapAllResults(r.Context())
	if err != nil {
		writeJSON(w, swapStatus(err), map[string]any{"results": results, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func swapStatus(err error) int {
	if errors.Is(err, alias.ErrSwapRejected) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
