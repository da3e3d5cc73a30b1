package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ajslaghu/open-agenda-api/internal/ingest"
)

// RunStore keeps run records in memory for development and single-process
// deployments.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]ingest.Run
	now  func() time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]ingest.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run ingest.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateRun changes the status of a run. Started is stamped on the first
// transition to running and Finished on a terminal status.
func (s *RunStore) UpdateRun(
	_ context.Context,
	runID string,
	status ingest.RunStatus,
	errText string,
	summaries []ingest.SourceSummary,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrRunNotFound, runID)
	}
	run.Status = status
	run.ErrorText = errText
	if summaries != nil {
		run.Summaries = append([]ingest.SourceSummary(nil), summaries...)
	}
	now := s.now()
	if status == ingest.RunRunning && run.Started == nil {
		run.Started = &now
	}
	if status.Terminal() {
		run.Finished = &now
	}
	s.runs[runID] = run
	return nil
}

// GetRun returns a copy of the run.
func (s *RunStore) GetRun(_ context.Context, runID string) (ingest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return ingest.Run{}, fmt.Errorf("%w: %s", ingest.ErrRunNotFound, runID)
	}
	return cloneRun(run), nil
}

func cloneRun(run ingest.Run) ingest.Run {
	run.Sources = append([]string(nil), run.Sources...)
	run.Summaries = append([]ingest.SourceSummary(nil), run.Summaries...)
	return run
}
