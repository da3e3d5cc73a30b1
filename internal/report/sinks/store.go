package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/report"
)

// SourceRunStatus is the persisted state of one source within a run.
type SourceRunStatus string

// Persisted statuses.
const (
	SourceRunning SourceRunStatus = "running"
	SourceSuccess SourceRunStatus = "success"
	SourceError   SourceRunStatus = "error"
)

// SourceRun is the persisted progress of one source within a run.
type SourceRun struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       SourceRunStatus `json:"status"`
	Indexed      int64           `json:"indexed"`
	ErrorMessage *string         `json:"error,omitempty"`
}

// ItemFailure is one dropped item.
type ItemFailure struct {
	RunID  string    `json:"run_id"`
	Source string    `json:"source"`
	URL    string    `json:"url"`
	Phase  string    `json:"phase"`
	Task   string    `json:"task,omitempty"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"failed_at"`
}

// Repository persists source-run progress and item failures.
type Repository interface {
	StartSourceRun(ctx context.Context, runID, source string, at time.Time) error
	CompleteSourceRun(
		ctx context.Context,
		runID, source string,
		at time.Time,
		status SourceRunStatus,
		indexed int64,
		errMsg string,
	) error
	AddIndexed(ctx context.Context, runID, source string, delta int64) error
	InsertItemFailures(ctx context.Context, failures []ItemFailure) error
}

// StoreSink forwards events to a Repository. Indexed counts are summed per
// source before writing.
type StoreSink struct {
	repo   Repository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo Repository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type runSource struct {
	runID  string
	source string
}

// Consume writes the batch. Repository errors are returned verbatim wrapped
// with the failing operation.
func (s *StoreSink) Consume(ctx context.Context, batch []report.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	indexed := make(map[runSource]int64)
	var failures []ItemFailure
	for _, evt := range batch {
		key := runSource{runID: evt.RunID, source: evt.Source}
		switch evt.Stage {
		case report.StageSourceStart:
			if err := s.repo.StartSourceRun(ctx, evt.RunID, evt.Source, evt.TS); err != nil {
				return fmt.Errorf("start source run: %w", err)
			}
		case report.StageSourceDone, report.StageSourceError:
			if err := s.flushIndexed(ctx, indexed); err != nil {
				return err
			}
			status, msg := SourceSuccess, ""
			if evt.Stage == report.StageSourceError {
				status, msg = SourceError, evt.Note
			}
			if err := s.repo.CompleteSourceRun(ctx, evt.RunID, evt.Source, evt.TS, status, evt.Count, msg); err != nil {
				return fmt.Errorf("complete source run: %w", err)
			}
		case report.StageItemIndexed:
			indexed[key] += evt.Count
		case report.StageItemFailed:
			failures = append(failures, ItemFailure{
				RunID:  evt.RunID,
				Source: evt.Source,
				URL:    evt.URL,
				Phase:  string(evt.Phase),
				Task:   evt.Task,
				Note:   evt.Note,
				At:     evt.TS,
			})
		}
	}
	if err := s.flushIndexed(ctx, indexed); err != nil {
		return err
	}
	if len(failures) > 0 {
		if err := s.repo.InsertItemFailures(ctx, failures); err != nil {
			return fmt.Errorf("insert item failures: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) flushIndexed(ctx context.Context, indexed map[runSource]int64) error {
	for key, delta := range indexed {
		if delta > 0 {
			if err := s.repo.AddIndexed(ctx, key.runID, key.source, delta); err != nil {
				return fmt.Errorf("add indexed: %w", err)
			}
		}
		delete(indexed, key)
	}
	return nil
}

// Close implements report.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
