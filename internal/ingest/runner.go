package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/source"
)

// SourceRunner ingests a single source. *Pipeline satisfies it.
type SourceRunner interface {
	RunSource(ctx context.Context, runID string, build Build, src source.Source) (SourceSummary, error)
}

// Runner executes run requests against the source catalog and records their
// lifecycle in a RunStore.
type Runner struct {
	sources SourceRunner
	catalog *source.Catalog
	runs    RunStore
	clock   Clock
	logger  *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(sources SourceRunner, catalog *source.Catalog, runs RunStore, clock Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sources: sources, catalog: catalog, runs: runs, clock: clock, logger: logger}
}

// Execute runs every source of req in catalog order. All sources share one
// build so they land in the same generation. A failing source does not stop
// the others; the run fails if any source failed.
func (r *Runner) Execute(ctx context.Context, req RunRequest) error {
	logger := r.logger.With(zap.String("run_id", req.RunID))
	srcs, err := r.catalog.Lookup(req.Sources)
	if err != nil {
		r.update(ctx, logger, req.RunID, RunFailed, err.Error(), nil)
		return fmt.Errorf("resolve sources: %w", err)
	}
	build := Build{Version: req.Version}
	if build.Version == "" {
		build = NewBuild(r.clock.Now())
	}
	r.update(ctx, logger, req.RunID, RunRunning, "", nil)
	logger.Info("run started", zap.Int("sources", len(srcs)), zap.String("version", build.Version))

	summaries := make([]SourceSummary, 0, len(srcs))
	var errs []error
	for _, src := range srcs {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Slug, ctx.Err()))
			break
		}
		summary, err := r.sources.RunSource(ctx, req.RunID, build, src)
		summaries = append(summaries, summary)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Slug, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.update(ctx, logger, req.RunID, RunFailed, errorText(errs), summaries)
		return err
	}
	r.update(ctx, logger, req.RunID, RunSucceeded, "", summaries)
	logger.Info("run finished")
	return nil
}

func (r *Runner) update(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	status RunStatus,
	errText string,
	summaries []SourceSummary,
) {
	if r.runs == nil {
		return
	}
	if err := r.runs.UpdateRun(context.WithoutCancel(ctx), runID, status, errText, summaries); err != nil {
		logger.Error("run status update failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func errorText(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
