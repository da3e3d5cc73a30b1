package ingest

import (
	"context"
	"io"
	"time"

	"github.com/ajslaghu/open-agenda-api/internal/enrich"
	"github.com/ajslaghu/open-agenda-api/internal/extract"
	"github.com/ajslaghu/open-agenda-api/internal/source"
)

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, errText string, summaries []SourceSummary) error
	GetRun(ctx context.Context, runID string) (Run, error)
}

// BlobStore archives raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Tracker writes the run keys the coordinator reads.
type Tracker interface {
	Start(ctx context.Context, pipelineID, version string) error
	Done(ctx context.Context, pipelineID, version string) error
	OpenChain(ctx context.Context, pipelineID string) error
	CloseChain(ctx context.Context, pipelineID string) error
}

// Enricher runs the enrichment chain over one object.
type Enricher interface {
	Enrich(ctx context.Context, obj extract.RawObject) (*enrich.Record, error)
}

// ExtractorFactory builds the extractor for a source.
type ExtractorFactory interface {
	Extractor(src source.Source) (extract.Extractor, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Queue carries run requests from the API to workers.
type Queue interface {
	Enqueue(ctx context.Context, req RunRequest) error
	Dequeue(ctx context.Context) (RunRequest, error)
}
