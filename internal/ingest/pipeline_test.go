package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajslaghu/open-agenda-api/internal/enrich"
	"github.com/ajslaghu/open-agenda-api/internal/extract"
	"github.com/ajslaghu/open-agenda-api/internal/hash/sha256"
	"github.com/ajslaghu/open-agenda-api/internal/report"
	"github.com/ajslaghu/open-agenda-api/internal/search"
	searchmem "github.com/ajslaghu/open-agenda-api/internal/search/memory"
	"github.com/ajslaghu/open-agenda-api/internal/source"
)

var testSource = source.Source{Slug: "utrecht", URL: "https://utrecht.example.org", Extractor: "ekko"}

func TestRunSourceIndexesIntoBuildGeneration(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		locators: []string{"https://x/a", "https://x/b", "https://x/c", "https://x/d"},
		failures: map[string]error{"https://x/c": errors.New("status 500")},
	}
	backend := searchmem.New()
	tracker := &fakeTracker{}
	reports := &captureEmitter{}
	enricher := &fakeEnricher{failOn: "https://x/d"}
	p := newTestPipeline(t, ex, enricher, backend, tracker, reports)

	summary, err := p.RunSource(context.Background(), "run-1", Build{Version: "20240101000000"}, testSource)
	require.NoError(t, err)
	require.Equal(t, int64(4), summary.Discovered)
	require.Equal(t, int64(3), summary.Fetched)
	require.Equal(t, int64(2), summary.Indexed)
	require.Equal(t, int64(2), summary.Failed)

	for _, index := range []string{"oaa_combined_index_20240101000000", "oaa_data_items_20240101000000"} {
		count, err := backend.Count(index)
		require.NoError(t, err)
		require.Equal(t, 2, count, index)
	}
	require.Equal(t, []string{"start", "open", "close", "done"}, tracker.Calls())
	require.Equal(t, []string{"20240101000000", "20240101000000"}, tracker.Versions())

	id, err := DocumentID(sha256.New(), "https://x/a")
	require.NoError(t, err)
	body, ok := backend.Document("oaa_combined_index_20240101000000", id)
	require.True(t, ok)
	rec, ok := body.(*enrich.Record)
	require.True(t, ok)
	require.Equal(t, []string{"meta", "media_type"}, rec.Keys())
	metaValue, _ := rec.Get("meta")
	meta := metaValue.(Meta)
	require.Equal(t, "utrecht", meta.SourceID)
	require.Equal(t, "utrecht", meta.Collection)
	require.Equal(t, "https://x/a", meta.OriginalURL)
	require.Equal(t, "application/html", meta.ContentType)
	require.Equal(t, "run-1", meta.RunID)
	require.NotEmpty(t, meta.ContentHash)

	failed := reports.ByStage(report.StageItemFailed)
	require.Len(t, failed, 2)
	phases := map[report.Phase]report.Event{}
	for _, evt := range failed {
		phases[evt.Phase] = evt
	}
	require.Equal(t, "https://x/c", phases[report.PhaseFetch].URL)
	require.Equal(t, "ocr_text", phases[report.PhaseEnrich].Task)
	require.Len(t, reports.ByStage(report.StageSourceStart), 1)
	done := reports.ByStage(report.StageSourceDone)
	require.Len(t, done, 1)
	require.Equal(t, int64(2), done[0].Count)
}

func TestRunSourceBatchesBulkRequests(t *testing.T) {
	t.Parallel()

	locators := make([]string, 7)
	for i := range locators {
		locators[i] = fmt.Sprintf("https://x/%d", i)
	}
	indexer := &countingIndexer{}
	p, err := NewPipeline(
		Config{IndexPrefix: "oaa", Targets: []string{"combined_index"}, Workers: 3, BulkSize: 3},
		Deps{
			Extractors: staticFactory{ex: &fakeExtractor{locators: locators}},
			Enricher:   &fakeEnricher{},
			Indexer:    indexer,
			Tracker:    &fakeTracker{},
			Hasher:     sha256.New(),
			Clock:      fixedClock{},
		},
	)
	require.NoError(t, err)

	summary, err := p.RunSource(context.Background(), "run-1", Build{Version: "1"}, testSource)
	require.NoError(t, err)
	require.Equal(t, int64(7), summary.Indexed)
	require.Equal(t, []int{3, 3, 1}, indexer.Sizes())
}

func TestRunSourceUnreachableLeavesPipelineRunning(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{discoverErr: extract.ErrSourceUnreachable}
	tracker := &fakeTracker{}
	reports := &captureEmitter{}
	p := newTestPipeline(t, ex, &fakeEnricher{}, searchmem.New(), tracker, reports)

	summary, err := p.RunSource(context.Background(), "run-1", Build{Version: "20240101000000"}, testSource)
	require.ErrorIs(t, err, extract.ErrSourceUnreachable)
	require.NotEmpty(t, summary.Error)
	require.Equal(t, []string{"start", "open", "close"}, tracker.Calls())
	require.Len(t, reports.ByStage(report.StageSourceError), 1)
	require.Empty(t, reports.ByStage(report.StageSourceDone))
}

func TestRunSourceBulkFailureIsFatal(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	p, err := NewPipeline(
		Config{IndexPrefix: "oaa", Targets: []string{"combined_index"}},
		Deps{
			Extractors: staticFactory{ex: &fakeExtractor{locators: []string{"https://x/a"}}},
			Enricher:   &fakeEnricher{},
			Indexer:    &countingIndexer{err: errors.New("cluster red")},
			Tracker:    tracker,
			Hasher:     sha256.New(),
			Clock:      fixedClock{},
		},
	)
	require.NoError(t, err)

	_, err = p.RunSource(context.Background(), "run-1", Build{Version: "1"}, testSource)
	require.ErrorContains(t, err, "cluster red")
	require.NotContains(t, tracker.Calls(), "done")
}

func TestRunSourceRequiresVersion(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeExtractor{}, &fakeEnricher{}, searchmem.New(), &fakeTracker{}, nil)
	_, err := p.RunSource(context.Background(), "run-1", Build{}, testSource)
	require.Error(t, err)
}

func TestNewPipelineValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(Config{Targets: []string{"data"}}, Deps{})
	require.ErrorContains(t, err, "index prefix")
	_, err = NewPipeline(Config{IndexPrefix: "oaa"}, Deps{})
	require.ErrorContains(t, err, "target")
	_, err = NewPipeline(Config{IndexPrefix: "oaa", Targets: []string{"data"}}, Deps{})
	require.ErrorContains(t, err, "extractor factory")
}

func TestPipelineIndices(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeExtractor{}, &fakeEnricher{}, searchmem.New(), &fakeTracker{}, nil)
	require.Equal(t,
		[]string{"oaa_combined_index_20240101000000", "oaa_data_items_20240101000000"},
		p.Indices(Build{Version: "20240101000000"}),
	)
}

func newTestPipeline(
	t *testing.T,
	ex extract.Extractor,
	enricher Enricher,
	indexer search.Indexer,
	tracker Tracker,
	reports report.Emitter,
) *Pipeline {
	t.Helper()
	p, err := NewPipeline(
		Config{IndexPrefix: "oaa", Targets: []string{"combined_index", "data_items"}, Workers: 2, BulkSize: 2},
		Deps{
			Extractors: staticFactory{ex: ex},
			Enricher:   enricher,
			Indexer:    indexer,
			Tracker:    tracker,
			Hasher:     sha256.New(),
			Clock:      fixedClock{},
			Reports:    reports,
		},
	)
	require.NoError(t, err)
	return p
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

type staticFactory struct {
	ex extract.Extractor
}

func (f staticFactory) Extractor(source.Source) (extract.Extractor, error) { return f.ex, nil }

type fakeExtractor struct {
	locators    []string
	failures    map[string]error
	discoverErr error
}

func (f *fakeExtractor) Discover(_ context.Context, emit func(string) bool) error {
	if f.discoverErr != nil {
		return f.discoverErr
	}
	for _, loc := range f.locators {
		if !emit(loc) {
			return nil
		}
	}
	return nil
}

func (f *fakeExtractor) Fetch(_ context.Context, locator string) (extract.RawObject, error) {
	if err := f.failures[locator]; err != nil {
		return extract.RawObject{}, err
	}
	return extract.RawObject{OriginURL: locator, ContentType: "application/html", Payload: []byte("<p>" + locator + "</p>")}, nil
}

type fakeEnricher struct {
	failOn string
}

func (f *fakeEnricher) Enrich(_ context.Context, obj extract.RawObject) (*enrich.Record, error) {
	if obj.OriginURL == f.failOn {
		return nil, &enrich.FatalError{Task: enrich.TaskOCRText, ContentType: obj.ContentType, Err: errors.New("no text")}
	}
	rec := enrich.NewRecord()
	rec.Set("media_type", enrich.UnknownMediaType)
	return rec, nil
}

type fakeTracker struct {
	mu       sync.Mutex
	calls    []string
	versions []string
}

func (f *fakeTracker) add(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeTracker) Start(_ context.Context, _, version string) error {
	f.mu.Lock()
	f.versions = append(f.versions, version)
	f.mu.Unlock()
	return f.add("start")
}

func (f *fakeTracker) Done(_ context.Context, _, version string) error {
	f.mu.Lock()
	f.versions = append(f.versions, version)
	f.mu.Unlock()
	return f.add("done")
}

func (f *fakeTracker) OpenChain(context.Context, string) error  { return f.add("open") }
func (f *fakeTracker) CloseChain(context.Context, string) error { return f.add("close") }

func (f *fakeTracker) Versions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.versions...)
}

func (f *fakeTracker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type countingIndexer struct {
	mu    sync.Mutex
	sizes []int
	err   error
}

func (c *countingIndexer) EnsureIndex(context.Context, string) error { return nil }

func (c *countingIndexer) Bulk(_ context.Context, _ string, docs []search.Document) (search.BulkResult, error) {
	if c.err != nil {
		return search.BulkResult{}, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes = append(c.sizes, len(docs))
	return search.BulkResult{Indexed: len(docs)}, nil
}

func (c *countingIndexer) Sizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sizes...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []report.Event
}

func (c *captureEmitter) Emit(evt report.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) ByStage(stage report.Stage) []report.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []report.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}
