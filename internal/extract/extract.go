// Package extract turns a source into a lazy stream of raw objects.
//
// Extraction is split in two phases. Discover walks the listing pages of a
// source sequentially and emits item locators; Fetch retrieves a single
// locator. Run drives both, fanning fetches out to a bounded worker pool.
package extract

import (
	"context"
	"errors"
	"fmt"
)

// ErrSourceUnreachable marks a failure that makes the whole source unusable
// for the current run, such as the first listing page failing to load.
var ErrSourceUnreachable = errors.New("source unreachable")

// RawObject is one retrieved item before enrichment.
type RawObject struct {
	OriginURL   string
	ContentType string
	Payload     []byte
}

// Response is a fetched HTTP resource.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher retrieves a single URL. Implementations return a *StatusError for
// non-2xx responses.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (Response, error) {
	return f(ctx, url)
}

// Extractor is the per-source extraction contract.
type Extractor interface {
	// Discover emits item locators until the source is exhausted or emit returns false.
	Discover(ctx context.Context, emit func(locator string) bool) error
	// Fetch retrieves one locator as a raw object.
	Fetch(ctx context.Context, locator string) (RawObject, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// CheckStatus returns a *StatusError when code is outside the 2xx range.
func CheckStatus(url string, code int) error {
	if code < 200 || code > 299 {
		return &StatusError{URL: url, StatusCode: code}
	}
	return nil
}
