package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/report/sinks"
)

const (
	defaultRunsLimit     = 50
	maxRunsLimit         = 500
	defaultFailuresLimit = 100
	maxFailuresLimit     = 1000
	reportTimeout        = 3 * time.Second
)

// ReportReader is the read side of the report store.
type ReportReader interface {
	ListSourceRuns(ctx context.Context, status *sinks.SourceRunStatus, limit, offset int) ([]sinks.SourceRun, error)
	ListItemFailures(ctx context.Context, runID string, limit, offset int) ([]sinks.ItemFailure, error)
}

// ReportHandler exposes read-only source run and item failure endpoints.
type ReportHandler struct {
	repo    ReportReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewReportHandler wires the reader and logger. repo may be nil, in which
// case every endpoint answers 503.
func NewReportHandler(repo ReportReader, logger *zap.Logger) *ReportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportHandler{
		repo:    repo,
		timeout: reportTimeout,
		logger:  logger,
	}
}

// ListSourceRuns handles GET /v1/reports/source-runs?status=&limit=&offset=.
// It returns {"source_runs": [...]}, 400 for invalid filters, 503 without a
// report store, or 500 if the query fails.
func (h *ReportHandler) ListSourceRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "report store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunsLimit, maxRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *sinks.SourceRunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &st
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListSourceRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list source runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list source runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_runs": runs})
}

// ListItemFailures handles GET /v1/reports/runs/{run_id}/failures?limit=&offset=.
func (h *ReportHandler) ListItemFailures(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "report store unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFailuresLimit, maxFailuresLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	failures, err := h.repo.ListItemFailures(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list item failures failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list item failures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (sinks.SourceRunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return sinks.SourceRunning, nil
	case "success", "succeeded":
		return sinks.SourceSuccess, nil
	case "error", "failed", "failure":
		return sinks.SourceError, nil
	default:
		return "", errors.New("invalid status")
	}
}
