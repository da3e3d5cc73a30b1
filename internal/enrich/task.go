// Package enrich runs content-type aware enrichment tasks over raw objects.
package enrich

import (
	"context"
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

// ContentTypes is the set of content types a task accepts: either every type
// or an explicit list.
type ContentTypes struct {
	any   bool
	types map[string]struct{}
}

// AnyContentType accepts every content type.
func AnyContentType() ContentTypes {
	return ContentTypes{any: true}
}

// OnlyContentTypes accepts exactly the given types (normalized).
func OnlyContentTypes(types ...string) ContentTypes {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[NormalizeContentType(t)] = struct{}{}
	}
	return ContentTypes{types: set}
}

// Any reports whether every content type is accepted.
func (c ContentTypes) Any() bool {
	return c.any
}

// Accepts reports whether a normalized content type is accepted.
func (c ContentTypes) Accepts(contentType string) bool {
	if c.any {
		return true
	}
	_, ok := c.types[contentType]
	return ok
}

func (c ContentTypes) String() string {
	if c.any {
		return "*"
	}
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// NormalizeContentType lower-cases a media type and strips its parameters.
func NormalizeContentType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Outcome is the non-error result of a task invocation.
type Outcome int

const (
	// Declined means the task chose not to contribute; its staged fields are discarded.
	Declined Outcome = iota
	// Applied means the task's staged fields are committed to the record.
	Applied
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "declined"
}

// TransformFunc enriches rec from obj. A non-nil error is fatal for the object.
type TransformFunc func(ctx context.Context, obj extract.RawObject, rec *Record) (Outcome, error)

// Task is one named step of an enrichment chain.
type Task struct {
	Name         string
	ContentTypes ContentTypes
	Transform    TransformFunc
}

// FatalError aborts the chain for one object.
type FatalError struct {
	Task        string
	ContentType string
	Err         error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("enrichment task %s failed for %s: %v", e.Task, e.ContentType, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
