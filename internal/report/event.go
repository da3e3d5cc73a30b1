package report

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageSourceStart Stage = "SOURCE_START"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageSourceError Stage = "SOURCE_ERROR"
	StageItemIndexed Stage = "ITEM_INDEXED"
	StageItemFailed  Stage = "ITEM_FAILED"
)

// Phase names the pipeline step an item failed in.
type Phase string

// Item phases.
const (
	PhaseFetch   Phase = "fetch"
	PhaseArchive Phase = "archive"
	PhaseEnrich  Phase = "enrich"
	PhaseIndex   Phase = "index"
)

// Event is a single ingestion milestone.
type Event struct {
	// RunID is the queued run that produced the event.
	RunID string
	// Source is the slug of the source being ingested.
	Source string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Phase is set on ITEM_FAILED.
	Phase Phase
	// URL is the item locator, if any.
	URL string
	// Task names the enrichment task that failed.
	Task string
	// Count carries the number of documents for ITEM_INDEXED and SOURCE_DONE.
	Count int64
	// Dur is the source wall time on SOURCE_DONE / SOURCE_ERROR.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSourceStart, StageSourceDone, StageSourceError, StageItemIndexed:
	case StageItemFailed:
		switch e.Phase {
		case PhaseFetch, PhaseArchive, PhaseEnrich, PhaseIndex:
		default:
			return fmt.Errorf("item failure requires a phase, got %q", e.Phase)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}
