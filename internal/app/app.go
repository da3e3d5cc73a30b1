// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/api"
	"github.com/ajslaghu/open-agenda-api/internal/clock/system"
	"github.com/ajslaghu/open-agenda-api/internal/config"
	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/dispatcher"
	"github.com/ajslaghu/open-agenda-api/internal/enrich"
	"github.com/ajslaghu/open-agenda-api/internal/extract"
	collyfetcher "github.com/ajslaghu/open-agenda-api/internal/fetcher/colly"
	"github.com/ajslaghu/open-agenda-api/internal/fetcher/headless"
	"github.com/ajslaghu/open-agenda-api/internal/hash/sha256"
	"github.com/ajslaghu/open-agenda-api/internal/id/uuid"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	"github.com/ajslaghu/open-agenda-api/internal/metrics"
	"github.com/ajslaghu/open-agenda-api/internal/policy/ratelimit"
	kafkapub "github.com/ajslaghu/open-agenda-api/internal/publisher/kafka"
	memorypub "github.com/ajslaghu/open-agenda-api/internal/publisher/memory"
	pubsubpub "github.com/ajslaghu/open-agenda-api/internal/publisher/pubsub"
	queuememory "github.com/ajslaghu/open-agenda-api/internal/queue/memory"
	"github.com/ajslaghu/open-agenda-api/internal/report"
	"github.com/ajslaghu/open-agenda-api/internal/report/sinks"
	"github.com/ajslaghu/open-agenda-api/internal/search"
	"github.com/ajslaghu/open-agenda-api/internal/search/elastic"
	searchmemory "github.com/ajslaghu/open-agenda-api/internal/search/memory"
	"github.com/ajslaghu/open-agenda-api/internal/source"
	gcsstore "github.com/ajslaghu/open-agenda-api/internal/storage/gcs"
	"github.com/ajslaghu/open-agenda-api/internal/storage/local"
	"github.com/ajslaghu/open-agenda-api/internal/storage/memory"
	"github.com/ajslaghu/open-agenda-api/internal/storage/natskv"
	"github.com/ajslaghu/open-agenda-api/internal/storage/postgres"
	redisstore "github.com/ajslaghu/open-agenda-api/internal/storage/redis"
	s3store "github.com/ajslaghu/open-agenda-api/internal/storage/s3"
	"github.com/ajslaghu/open-agenda-api/internal/worker"
)

// searchBackend is what both search backends provide: document indexing and
// alias management.
type searchBackend interface {
	search.Indexer
	alias.Backend
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed when the command finishes.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	catalog     *source.Catalog
	search      searchBackend
	coordStore  coord.Store
	coordinator *coord.Coordinator
	aliases     *alias.Manager
	hub         *report.Hub
	reports     *postgres.ReportStore
	pipeline    *ingest.Pipeline
	runner      *ingest.Runner
	runs        *memory.RunStore
	queue       *queuememory.Queue
	dispatcher  *dispatcher.Dispatcher
	ids         *uuid.Generator
	clock       *system.Clock
	registerer  prometheus.Registerer

	closers []func(context.Context) error
}

// Option customizes New.
type Option func(*App)

// WithRegisterer registers the report collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// New creates and initializes an App from cfg. It fails fast if any
// configured backend cannot be initialized, closing whatever was opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a = &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		ids:        uuid.NewUUIDGenerator(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("initializing application services")
	if a.catalog, err = source.Load(cfg.Sources.Path); err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if a.search, err = a.openSearch(); err != nil {
		return nil, err
	}
	store, cache, err := a.openCoordination(ctx)
	if err != nil {
		return nil, err
	}
	a.coordStore = store
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}
	a.aliases, err = alias.NewManager(a.search, alias.Config{
		Prefix:    cfg.Index.Prefix,
		Logical:   cfg.Index.Aliases,
		Publisher: publisher,
		Topic:     cfg.Notify.Topic,
		Logger:    logger.Named("alias"),
		Observe:   observeSwap,
	})
	if err != nil {
		return nil, fmt.Errorf("build alias manager: %w", err)
	}
	ks := coord.Keyspace{Prefix: cfg.Coordination.KeyPrefix, ChainSuffix: coord.DefaultKeyspace().ChainSuffix}
	a.coordinator = coord.New(store, cache, a.aliases, coord.Options{
		Keyspace: ks,
		Logger:   logger.Named("coordinator"),
		Observe:  observeEvaluation,
	})
	if err := a.openReports(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.buildPipeline(coord.NewTracker(store, ks), blobs); err != nil {
		return nil, err
	}

	a.runs = memory.NewRunStore()
	a.runner = ingest.NewRunner(a.pipeline, a.catalog, a.runs, a.clock, logger.Named("runner"))
	a.queue = queuememory.NewQueue(cfg.Runner.QueueDepth)
	var evaluator worker.Evaluator
	if cfg.Coordination.EvaluateAfterRun {
		evaluator = a.coordinator
	}
	workers := make([]dispatcher.Runner, 0, cfg.Runner.Workers)
	for i := 0; i < cfg.Runner.Workers; i++ {
		workers = append(workers, worker.New(a.queue, a.runner, evaluator, worker.Config{
			Name:       "worker-" + strconv.Itoa(i),
			RunTimeout: time.Duration(cfg.Runner.RunTimeoutMinutes) * time.Minute,
		}, logger.Named("worker")))
	}
	a.dispatcher = dispatcher.New(a.queue, workers)

	logger.Info("application services initialized",
		zap.Int("sources", len(a.catalog.All())),
		zap.String("search", cfg.Search.Backend),
		zap.String("coordination", cfg.Coordination.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openSearch() (searchBackend, error) {
	switch a.cfg.Search.Backend {
	case "elasticsearch":
		es := a.cfg.Search.Elasticsearch
		client, err := elastic.New(elastic.Config{
			Addresses: es.Addresses,
			Username:  es.Username,
			Password:  es.Password,
			APIKey:    es.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init elasticsearch: %w", err)
		}
		return client, nil
	default:
		a.logger.Info("using in-memory search backend; documents are not persisted")
		return searchmemory.New(), nil
	}
}

func (a *App) openCoordination(ctx context.Context) (coord.Store, coord.Cache, error) {
	cc := a.cfg.Coordination
	switch cc.Backend {
	case "redis":
		store, cache, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cc.Redis.Addr,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
			CacheDB:  cc.Redis.CacheDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis coordination: %w", err)
		}
		a.onClose(func(context.Context) error { return errors.Join(store.Close(), cache.Close()) })
		return store, cache, nil
	case "nats":
		store, cache, conn, err := natskv.Open(ctx, natskv.Config{
			URL:         cc.NATS.URL,
			Bucket:      cc.NATS.Bucket,
			CacheBucket: cc.NATS.CacheBucket,
			Timeout:     time.Duration(cc.NATS.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open nats coordination: %w", err)
		}
		a.onClose(func(context.Context) error { return conn.Close() })
		return store, cache, nil
	default:
		a.logger.Info("using in-process coordination store; readiness is local to this process")
		return memory.NewKV(), memory.NewKV(), nil
	}
}

func (a *App) openPublisher(ctx context.Context) (alias.Publisher, error) {
	nc := a.cfg.Notify
	switch nc.Backend {
	case "memory":
		return memorypub.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, nc.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub := pubsubpub.New(client, "open-agenda-api")
		a.onClose(func(context.Context) error { return pub.Close() })
		return pub, nil
	case "kafka":
		pub, err := kafkapub.New(kafkapub.Config{
			Brokers:      nc.Kafka.Brokers,
			BatchTimeout: time.Duration(nc.Kafka.BatchTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		return pub, nil
	default:
		return nil, nil
	}
}

func (a *App) openReports(ctx context.Context) error {
	logSink := sinks.NewLogSink(a.logger.Named("report"))
	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("init report metrics: %w", err)
	}
	reportSinks := []report.Sink{logSink, promSink}

	rc := a.cfg.Reports
	if rc.Postgres.DSN != "" {
		a.reports, err = postgres.NewReportStore(ctx, postgres.ReportStoreConfig{
			DSN:           rc.Postgres.DSN,
			RunsTable:     rc.Postgres.RunsTable,
			FailuresTable: rc.Postgres.FailuresTable,
			MaxConns:      rc.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("open report store: %w", err)
		}
		a.onClose(func(context.Context) error {
			a.reports.Close()
			return nil
		})
		reportSinks = append(reportSinks, sinks.NewStoreSink(a.reports, a.logger.Named("report")))
	}

	a.hub = report.NewHub(report.Config{
		BufferSize:     rc.BufferSize,
		MaxBatchEvents: rc.MaxBatchEvents,
		MaxBatchWait:   time.Duration(rc.MaxBatchWaitMs) * time.Millisecond,
		Logger:         a.logger.Named("report"),
	}, reportSinks...)
	// Closers run in reverse, so the hub drains before the report store closes.
	a.onClose(a.hub.Close)
	return nil
}

func (a *App) openArchive(ctx context.Context) (ingest.BlobStore, error) {
	ac := a.cfg.Archive
	switch ac.Backend {
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: ac.Local.Path})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: ac.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	case "s3":
		s3 := ac.S3
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:     s3.Endpoint,
			AccessKey:    s3.AccessKey,
			SecretKey:    s3.SecretKey,
			UseSSL:       s3.UseSSL,
			Region:       s3.Region,
			Bucket:       s3.Bucket,
			CreateBucket: s3.CreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 archive: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) buildPipeline(tracker ingest.Tracker, blobs ingest.BlobStore) error {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RatePerSecond,
		DefaultBurst: cfg.Fetch.Burst,
		ObserveDelay: metrics.ObserveRateLimitDelay,
	})
	static := ratelimit.Wrap(limiter, instrument(collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})))

	var rendered extract.Fetcher = headless.NewNoop()
	if cfg.Headless.Enabled {
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			Settle:            time.Duration(cfg.Headless.SettleMillis) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		a.onClose(func(context.Context) error {
			browser.Close()
			return nil
		})
		rendered = ratelimit.Wrap(limiter, instrument(browser))
	}

	ocr := cfg.Enrichment.OCR
	tasks, err := enrich.BuildTasks(cfg.Enrichment.Tasks, enrich.OCRConfig{
		Binary:   ocr.Binary,
		Language: ocr.Language,
		Timeout:  time.Duration(ocr.TimeoutSeconds) * time.Second,
		TempDir:  ocr.TempDir,
	})
	if err != nil {
		return fmt.Errorf("build enrichment tasks: %w", err)
	}
	chain, err := enrich.NewChain(tasks,
		enrich.WithLogger(a.logger.Named("enrich")),
		enrich.WithObserver(metrics.ObserveEnrichTask),
	)
	if err != nil {
		return fmt.Errorf("build enrichment chain: %w", err)
	}

	a.pipeline, err = ingest.NewPipeline(ingest.Config{
		IndexPrefix:   cfg.Index.Prefix,
		Targets:       cfg.Index.Targets,
		Workers:       cfg.Fetch.Workers,
		BulkSize:      cfg.Index.BulkSize,
		ArchivePrefix: cfg.Archive.Prefix,
	}, ingest.Deps{
		Extractors: &ingest.RegistryFactory{
			Registry: extract.NewRegistry(),
			Static:   static,
			Rendered: rendered,
			Logger:   a.logger.Named("extract"),
		},
		Enricher: chain,
		Indexer:  a.search,
		Tracker:  tracker,
		Blobs:    blobs,
		Hasher:   sha256.New(),
		Clock:    a.clock,
		Reports:  a.hub,
		Logger:   a.logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	return nil
}

// instrument records fetch outcomes in the fetch metrics.
func instrument(next extract.Fetcher) extract.Fetcher {
	return extract.FetcherFunc(func(ctx context.Context, url string) (extract.Response, error) {
		resp, err := next.Fetch(ctx, url)
		status := "error"
		var statusErr *extract.StatusError
		switch {
		case err == nil:
			status = strconv.Itoa(resp.StatusCode)
		case errors.As(err, &statusErr):
			status = strconv.Itoa(statusErr.StatusCode)
		}
		metrics.ObserveFetch(url, status, len(resp.Body))
		return resp, err
	})
}

func observeSwap(res alias.Result, err error) {
	switch {
	case err != nil:
		metrics.ObserveAliasSwap("error")
	case res.Skipped:
		metrics.ObserveAliasSwap("skipped")
	case res.Changed:
		metrics.ObserveAliasSwap("changed")
	default:
		metrics.ObserveAliasSwap("unchanged")
	}
}

func observeEvaluation(eval coord.Evaluation, err error) {
	switch {
	case err != nil:
		metrics.ObserveEvaluation("error")
	case eval.Triggered:
		metrics.ObserveEvaluation("triggered")
	case eval.AlreadyApplied:
		metrics.ObserveEvaluation("already_applied")
	default:
		metrics.ObserveEvaluation("not_ready")
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Catalog returns the loaded source catalog.
func (a *App) Catalog() *source.Catalog { return a.catalog }

// Runner returns the run executor.
func (a *App) Runner() *ingest.Runner { return a.runner }

// Coordinator returns the pipeline-run coordinator.
func (a *App) Coordinator() *coord.Coordinator { return a.coordinator }

// Aliases returns the alias manager.
func (a *App) Aliases() *alias.Manager { return a.aliases }

// Dispatcher returns the worker pool over the run queue.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Queue returns the run queue.
func (a *App) Queue() *queuememory.Queue { return a.queue }

// Runs returns the run record store.
func (a *App) Runs() *memory.RunStore { return a.runs }

// NewRunID returns a fresh run identifier.
func (a *App) NewRunID() (string, error) { return a.ids.NewID() }

// Now returns the current time from the application clock.
func (a *App) Now() time.Time { return a.clock.Now() }

// Server builds the HTTP API over the application services.
func (a *App) Server() *api.Server {
	deps := api.Deps{
		Runs:        a.runs,
		Queue:       a.dispatcher,
		IDs:         a.ids,
		Clock:       a.clock,
		Catalog:     a.catalog,
		Coordinator: a.coordinator,
		Aliases:     a.aliases,
		Ready: map[string]api.ReadyCheck{
			"coordination": func(ctx context.Context) error {
				_, err := a.coordStore.Keys(ctx, a.cfg.Coordination.KeyPrefix+"*")
				return err
			},
			"workers": a.dispatcher.Ready,
		},
	}
	if a.reports != nil {
		deps.Reports = a.reports
	}
	return api.NewServer(deps, a.cfg, a.logger.Named("api"))
}

// Config returns the configuration the application was built from.
func (a *App) Config() config.Config { return a.cfg }

// Evaluate runs one coordination pass.
func (a *App) Evaluate(ctx context.Context) (coord.Evaluation, error) {
	return a.coordinator.Evaluate(ctx)
}

// Coordinate runs coordination passes every interval until ctx is done.
func (a *App) Coordinate(ctx context.Context, interval time.Duration) error {
	return a.coordinator.Run(ctx, interval)
}

// SwapAliases points every logical alias at its newest generation.
func (a *App) SwapAliases(ctx context.Context) ([]alias.Result, error) {
	return a.aliases.SwapAllResults(ctx)
}

// Execute records a run for slugs and executes it synchronously, returning
// the final run record. An empty slug list runs the whole catalog.
func (a *App) Execute(ctx context.Context, slugs []string) (ingest.Run, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return ingest.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	build := ingest.NewBuild(a.clock.Now())
	run := ingest.Run{
		ID:        runID,
		Status:    ingest.RunQueued,
		Sources:   slugs,
		Version:   build.Version,
		Submitted: a.clock.Now(),
	}
	if err := a.runs.CreateRun(ctx, run); err != nil {
		return ingest.Run{}, fmt.Errorf("create run: %w", err)
	}
	execErr := a.runner.Execute(ctx, ingest.RunRequest{
		RunID:     runID,
		Sources:   slugs,
		Version:   build.Version,
		Submitted: run.Submitted.Unix(),
	})
	final, err := a.runs.GetRun(ctx, runID)
	if err != nil {
		return run, errors.Join(execErr, fmt.Errorf("load run: %w", err))
	}
	return final, execErr
}

// Serve runs the HTTP API, the worker pool and, when an interval is
// configured, the coordination loop until ctx is done. The server is then
// drained within the configured shutdown timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Runner.Workers))
		a.dispatcher.Run(ctx)
	}()

	if interval := a.cfg.CoordinationInterval(); interval > 0 {
		go func() {
			a.logger.Info("coordinator started", zap.Duration("interval", interval))
			if err := a.coordinator.Run(ctx, interval); err != nil {
				a.logger.Error("coordinator stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout())
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	a.queue.Close()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("drain workers: %w", shutdownCtx.Err()))
	}
	select {
	case err := <-serveErr:
		errs = append(errs, err)
	default:
	}
	return errors.Join(errs...)
}

// Close shuts down every service in reverse order of creation and flushes
// the logger.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}
