// Package ingest runs sources end to end: extraction, enrichment, archiving
// and bulk indexing into the current build generation, while recording the
// run state the coordinator evaluates.
package ingest

import (
	"errors"
	"time"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
)

// ErrRunNotFound is returned by RunStore lookups for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// ErrQueueClosed is returned by a Queue that no longer accepts or yields work.
var ErrQueueClosed = errors.New("queue closed")

// RunStatus is the lifecycle state of a queued run.
type RunStatus string

// Run statuses.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Build identifies the index generation a batch of runs writes into.
type Build struct {
	Version string
}

// NewBuild returns a build versioned by the UTC timestamp of now.
func NewBuild(now time.Time) Build {
	return Build{Version: alias.Version(now)}
}

// SourceSummary reports the outcome of one source within a run.
type SourceSummary struct {
	Source     string `json:"source"`
	Discovered int64  `json:"discovered"`
	Fetched    int64  `json:"fetched"`
	Indexed    int64  `json:"indexed"`
	Failed     int64  `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// Run is the record kept for every submitted run request.
type Run struct {
	ID        string          `json:"id"`
	Status    RunStatus       `json:"status"`
	Sources   []string        `json:"sources"`
	Version   string          `json:"version"`
	Submitted time.Time       `json:"submitted_at"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Finished  *time.Time      `json:"finished_at,omitempty"`
	ErrorText string          `json:"error_text,omitempty"`
	Summaries []SourceSummary `json:"summaries,omitempty"`
}

// RunRequest is the queue item a worker executes.
type RunRequest struct {
	RunID     string
	Sources   []string
	Version   string
	Attempt   int
	Submitted int64
}
