package ingest

import (
	"fmt"
	"time"

	"github.com/ajslaghu/open-agenda-api/internal/enrich"
	"github.com/ajslaghu/open-agenda-api/internal/extract"
	"github.com/ajslaghu/open-agenda-api/internal/search"
	"github.com/ajslaghu/open-agenda-api/internal/source"
)

// Meta is stored under the "meta" key of every indexed document.
type Meta struct {
	SourceID           string    `json:"source_id"`
	Collection         string    `json:"collection"`
	OriginalURL        string    `json:"original_url"`
	ContentType        string    `json:"content_type"`
	ContentHash        string    `json:"content_hash,omitempty"`
	ArchiveURI         string    `json:"archive_uri,omitempty"`
	RunID              string    `json:"run_id,omitempty"`
	ProcessingStarted  time.Time `json:"processing_started"`
	ProcessingFinished time.Time `json:"processing_finished"`
}

// DocumentID derives the stable id of the document fetched from originURL, so
// re-ingesting the same item overwrites it within a generation.
func DocumentID(h Hasher, originURL string) (string, error) {
	id, err := h.Hash([]byte(originURL))
	if err != nil {
		return "", fmt.Errorf("hash origin url: %w", err)
	}
	return id, nil
}

// newDocument merges meta and the enrichment fields into one ordered body.
func newDocument(id string, meta Meta, rec *enrich.Record) search.Document {
	body := enrich.NewRecord()
	body.Set("meta", meta)
	if rec != nil {
		for _, key := range rec.Keys() {
			if key == "meta" {
				continue
			}
			value, _ := rec.Get(key)
			body.Set(key, value)
		}
	}
	return search.Document{ID: id, Body: body}
}

func newMeta(runID string, src source.Source, obj extract.RawObject) Meta {
	return Meta{
		SourceID:    src.Slug,
		Collection:  src.CollectionName(),
		OriginalURL: obj.OriginURL,
		ContentType: enrich.NormalizeContentType(obj.ContentType),
		RunID:       runID,
	}
}
