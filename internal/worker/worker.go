// Package worker implements the run execution loop over the run queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	"github.com/ajslaghu/open-agenda-api/internal/metrics"
)

// Executor runs one queued request to completion.
type Executor interface {
	Execute(ctx context.Context, req ingest.RunRequest) error
}

// Evaluator runs a coordinator pass.
type Evaluator interface {
	Evaluate(ctx context.Context) (coord.Evaluation, error)
}

// Config controls Worker behavior.
type Config struct {
	// Name labels the worker in logs.
	Name string
	// RunTimeout bounds a single run. Zero means no bound.
	RunTimeout time.Duration
}

// Worker consumes run requests and executes them.
type Worker struct {
	queue     ingest.Queue
	executor  Executor
	evaluator Evaluator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. evaluator may be nil; when set, a coordinator pass
// follows every run so aliases move as soon as the last pipeline finishes.
func New(queue ingest.Queue, executor Executor, evaluator Evaluator, cfg Config, logger *zap.Logger) *Worker {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name != "" {
		logger = logger.With(zap.String("worker", cfg.Name))
	}
	return &Worker{
		queue:     queue,
		executor:  executor,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming requests until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ingest.ErrQueueClosed) {
				w.logger.Debug("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", req.RunID))
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req ingest.RunRequest) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	runCtx := ctx
	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.executor.Execute(runCtx, req); err != nil {
		metrics.ObserveRun(string(ingest.RunFailed))
		w.logger.Error("run failed",
			zap.String("run_id", req.RunID),
			zap.Strings("sources", req.Sources),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	} else {
		metrics.ObserveRun(string(ingest.RunSucceeded))
		w.logger.Info("run finished",
			zap.String("run_id", req.RunID),
			zap.Strings("sources", req.Sources),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	if w.evaluator == nil {
		return
	}
	eval, err := w.evaluator.Evaluate(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.Warn("post-run coordination failed", zap.String("run_id", req.RunID), zap.Error(err))
		return
	}
	w.logger.Debug("post-run coordination",
		zap.String("run_id", req.RunID),
		zap.Bool("ready", eval.Ready),
		zap.Bool("triggered", eval.Triggered),
	)
}
