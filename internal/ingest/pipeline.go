package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/enrich"
	"github.com/ajslaghu/open-agenda-api/internal/extract"
	"github.com/ajslaghu/open-agenda-api/internal/report"
	"github.com/ajslaghu/open-agenda-api/internal/search"
	"github.com/ajslaghu/open-agenda-api/internal/source"
)

const defaultBulkSize = 250

// Config controls a Pipeline.
type Config struct {
	// IndexPrefix is prepended to every index and alias name.
	IndexPrefix string
	// Targets are the logical indices every document is written into.
	Targets []string
	// Workers bounds concurrent fetch and enrichment per source.
	Workers int
	// BulkSize is the number of documents per bulk request.
	BulkSize int
	// ArchivePrefix is prepended to archived payload paths.
	ArchivePrefix string
}

// Deps are the collaborators of a Pipeline. Blobs and Reports are optional.
type Deps struct {
	Extractors ExtractorFactory
	Enricher   Enricher
	Indexer    search.Indexer
	Tracker    Tracker
	Blobs      BlobStore
	Hasher     Hasher
	Clock      Clock
	Reports    report.Emitter
	Logger     *zap.Logger
}

// Pipeline ingests one source at a time into a build generation.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// NewPipeline validates cfg and deps.
func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.IndexPrefix == "" {
		return nil, fmt.Errorf("index prefix is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("at least one target index is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = defaultBulkSize
	}
	switch {
	case deps.Extractors == nil:
		return nil, fmt.Errorf("extractor factory is required")
	case deps.Enricher == nil:
		return nil, fmt.Errorf("enricher is required")
	case deps.Indexer == nil:
		return nil, fmt.Errorf("indexer is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("tracker is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Reports == nil {
		deps.Reports = report.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// Indices returns the physical index names for build.
func (p *Pipeline) Indices(build Build) []string {
	out := make([]string, 0, len(p.cfg.Targets))
	for _, target := range p.cfg.Targets {
		out = append(out, alias.IndexName(p.cfg.IndexPrefix, target, build.Version))
	}
	return out
}

// RunSource ingests src into the generation named by build. The pipeline key
// is set to running first and only set to done when extraction and indexing
// both succeeded; on failure it stays running until the next run of the same
// source. Per-item failures are reported and never fail the source.
func (p *Pipeline) RunSource(ctx context.Context, runID string, build Build, src source.Source) (SourceSummary, error) {
	if build.Version == "" {
		return SourceSummary{Source: src.Slug}, fmt.Errorf("build version is required")
	}
	pipelineID := src.Slug
	logger := p.log.With(zap.String("source", src.Slug), zap.String("run_id", runID), zap.String("version", build.Version))
	started := p.deps.Clock.Now()
	st := &sourceRun{pipeline: p, runID: runID, build: build, src: src, logger: logger}
	st.emit(report.Event{Stage: report.StageSourceStart})

	summary, err := st.run(ctx, pipelineID)
	if err != nil {
		summary.Error = err.Error()
		st.emit(report.Event{Stage: report.StageSourceError, Note: err.Error(), Dur: p.deps.Clock.Now().Sub(started)})
		logger.Error("source run failed", zap.Error(err))
		return summary, err
	}
	if err := p.deps.Tracker.Done(ctx, pipelineID, build.Version); err != nil {
		err = fmt.Errorf("mark pipeline done: %w", err)
		summary.Error = err.Error()
		st.emit(report.Event{Stage: report.StageSourceError, Note: err.Error(), Dur: p.deps.Clock.Now().Sub(started)})
		return summary, err
	}
	st.emit(report.Event{Stage: report.StageSourceDone, Count: summary.Indexed, Dur: p.deps.Clock.Now().Sub(started)})
	logger.Info("source run finished",
		zap.Int64("discovered", summary.Discovered),
		zap.Int64("indexed", summary.Indexed),
		zap.Int64("failed", summary.Failed),
	)
	return summary, nil
}

// sourceRun holds the state of one RunSource call.
type sourceRun struct {
	pipeline *Pipeline
	runID    string
	build    Build
	src      source.Source
	logger   *zap.Logger

	indexed atomic.Int64
	failed  atomic.Int64
}

type pendingDoc struct {
	doc search.Document
	url string
}

func (s *sourceRun) run(ctx context.Context, pipelineID string) (summary SourceSummary, err error) {
	p := s.pipeline
	summary.Source = s.src.Slug
	if err := p.deps.Tracker.Start(ctx, pipelineID, s.build.Version); err != nil {
		return summary, fmt.Errorf("mark pipeline running: %w", err)
	}
	indices := p.Indices(s.build)
	for _, index := range indices {
		if err := p.deps.Indexer.EnsureIndex(ctx, index); err != nil {
			return summary, fmt.Errorf("ensure index %s: %w", index, err)
		}
	}
	ex, err := p.deps.Extractors.Extractor(s.src)
	if err != nil {
		return summary, err
	}

	if err := p.deps.Tracker.OpenChain(ctx, pipelineID); err != nil {
		return summary, fmt.Errorf("open chain: %w", err)
	}
	defer func() {
		if closeErr := p.deps.Tracker.CloseChain(context.WithoutCancel(ctx), pipelineID); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close chain: %w", closeErr))
		}
	}()

	docs := make(chan pendingDoc, p.cfg.BulkSize)
	var (
		wg       sync.WaitGroup
		indexErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		indexErr = s.indexLoop(ctx, indices, docs)
	}()

	stats, runErr := extract.Run(ctx, ex, p.cfg.Workers, func(ctx context.Context, res extract.Result) {
		if doc, ok := s.process(ctx, res); ok {
			select {
			case docs <- doc:
			case <-ctx.Done():
			}
		}
	})
	close(docs)
	wg.Wait()

	summary.Discovered = stats.Discovered
	summary.Fetched = stats.Fetched
	summary.Indexed = s.indexed.Load()
	summary.Failed = s.failed.Load()
	if runErr != nil {
		return summary, runErr
	}
	if indexErr != nil {
		return summary, indexErr
	}
	return summary, nil
}

// process archives and enriches one fetched object.
func (s *sourceRun) process(ctx context.Context, res extract.Result) (pendingDoc, bool) {
	p := s.pipeline
	if res.Err != nil {
		s.fail(report.PhaseFetch, res.Locator, "", res.Err)
		return pendingDoc{}, false
	}
	obj := res.Object
	if obj.OriginURL == "" {
		obj.OriginURL = res.Locator
	}
	started := p.deps.Clock.Now()
	meta := newMeta(s.runID, s.src, obj)

	id, err := DocumentID(p.deps.Hasher, obj.OriginURL)
	if err != nil {
		s.fail(report.PhaseEnrich, obj.OriginURL, "", err)
		return pendingDoc{}, false
	}
	if digest, err := p.deps.Hasher.Hash(obj.Payload); err == nil {
		meta.ContentHash = digest
	}
	if p.deps.Blobs != nil {
		uri, err := p.deps.Blobs.PutObject(ctx, s.archivePath(id), meta.ContentType, bytes.NewReader(obj.Payload))
		if err != nil {
			s.emit(report.Event{Stage: report.StageItemFailed, Phase: report.PhaseArchive, URL: obj.OriginURL, Note: err.Error()})
			s.logger.Warn("archive payload failed", zap.String("url", obj.OriginURL), zap.Error(err))
		} else {
			meta.ArchiveURI = uri
		}
	}

	rec, err := p.deps.Enricher.Enrich(ctx, obj)
	if err != nil {
		task := ""
		var fatal *enrich.FatalError
		if errors.As(err, &fatal) {
			task = fatal.Task
		}
		s.fail(report.PhaseEnrich, obj.OriginURL, task, err)
		return pendingDoc{}, false
	}
	meta.ProcessingStarted = started
	meta.ProcessingFinished = p.deps.Clock.Now()
	return pendingDoc{doc: newDocument(id, meta, rec), url: obj.OriginURL}, true
}

// indexLoop drains docs in batches. After the first request level failure it
// keeps draining without writing so producers never block.
func (s *sourceRun) indexLoop(ctx context.Context, indices []string, docs <-chan pendingDoc) error {
	size := s.pipeline.cfg.BulkSize
	batch := make([]pendingDoc, 0, size)
	var firstErr error
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if firstErr == nil {
			firstErr = s.bulk(ctx, indices, batch)
		}
		batch = batch[:0]
	}
	for doc := range docs {
		batch = append(batch, doc)
		if len(batch) >= size {
			flush()
		}
	}
	flush()
	return firstErr
}

func (s *sourceRun) bulk(ctx context.Context, indices []string, batch []pendingDoc) error {
	docs := make([]search.Document, len(batch))
	urls := make(map[string]string, len(batch))
	for i, item := range batch {
		docs[i] = item.doc
		urls[item.doc.ID] = item.url
	}
	rejected := make(map[string]search.ItemError)
	for _, index := range indices {
		res, err := s.pipeline.deps.Indexer.Bulk(ctx, index, docs)
		if err != nil {
			return fmt.Errorf("bulk index %s: %w", index, err)
		}
		for _, itemErr := range res.Failed {
			if _, seen := rejected[itemErr.ID]; !seen {
				rejected[itemErr.ID] = itemErr
			}
		}
	}
	for id, itemErr := range rejected {
		s.fail(report.PhaseIndex, urls[id], "", itemErr)
	}
	accepted := int64(len(docs) - len(rejected))
	if accepted > 0 {
		s.indexed.Add(accepted)
		s.emit(report.Event{Stage: report.StageItemIndexed, Count: accepted})
	}
	return nil
}

func (s *sourceRun) fail(phase report.Phase, url, task string, err error) {
	s.failed.Add(1)
	s.emit(report.Event{Stage: report.StageItemFailed, Phase: phase, URL: url, Task: task, Note: err.Error()})
	s.logger.Warn("item dropped",
		zap.String("phase", string(phase)),
		zap.String("url", url),
		zap.String("task", task),
		zap.Error(err),
	)
}

func (s *sourceRun) emit(evt report.Event) {
	evt.RunID = s.runID
	evt.Source = s.src.Slug
	evt.TS = s.pipeline.deps.Clock.Now().UTC()
	s.pipeline.deps.Reports.Emit(evt)
}

func (s *sourceRun) archivePath(id string) string {
	return path.Join(s.pipeline.cfg.ArchivePrefix, s.src.Slug, s.build.Version, id)
}
