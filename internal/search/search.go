// Package search defines the indexing surface shared by search backends.
package search

import (
	"context"
	"fmt"
)

// Document is one entry of a bulk request.
type Document struct {
	ID   string
	Body any
}

// ItemError reports a document the backend refused.
type ItemError struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("document %s rejected (%d): %s", e.ID, e.Status, e.Reason)
}

// BulkResult summarizes a bulk request.
type BulkResult struct {
	Indexed int
	Failed  []ItemError
}

// Indexer writes documents into physical indices.
type Indexer interface {
	// EnsureIndex creates index unless it already exists.
	EnsureIndex(ctx context.Context, index string) error
	// Bulk indexes docs into index. Per-document rejections are reported in
	// the result; the error is reserved for request level failures.
	Bulk(ctx context.Context, index string, docs []Document) (BulkResult, error)
}
