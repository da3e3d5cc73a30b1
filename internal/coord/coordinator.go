package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Swapper points every tracked alias at the generation built under version.
// An empty version means the newest generation.
type Swapper interface {
	SwapAllTo(ctx context.Context, version string) error
}

// Evaluation is the outcome of one coordinator pass.
type Evaluation struct {
	Verdict
	Fingerprint string `json:"fingerprint,omitempty"`
	// Triggered is set when this pass ran the swap and flush successfully.
	Triggered bool `json:"triggered"`
	// AlreadyApplied is set when the same ready snapshot was acted on before.
	AlreadyApplied bool `json:"already_applied"`
}

// Options configures a Coordinator.
type Options struct {
	Keyspace Keyspace
	Logger   *zap.Logger
	// Observe receives every completed evaluation.
	Observe func(Evaluation, error)
}

// Coordinator evaluates the run keyspace and fires the ready triggers.
// Evaluate calls are serialized, so concurrent callers never double-trigger.
type Coordinator struct {
	store   Store
	cache   Cache
	swapper Swapper
	ks      Keyspace
	logger  *zap.Logger
	observe func(Evaluation, error)

	mu        sync.Mutex
	lastActed string
}

// New builds a coordinator. cache and swapper may be nil to disable a trigger.
func New(store Store, cache Cache, swapper Swapper, opts Options) *Coordinator {
	if opts.Keyspace.Prefix == "" {
		opts.Keyspace = DefaultKeyspace()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:   store,
		cache:   cache,
		swapper: swapper,
		ks:      opts.Keyspace,
		logger:  opts.Logger,
		observe: opts.Observe,
	}
}

// Check evaluates readiness without side effects.
func (c *Coordinator) Check(ctx context.Context) (Verdict, error) {
	snap, err := TakeSnapshot(ctx, c.store, c.ks)
	if err != nil {
		return Verdict{}, err
	}
	return Evaluate(snap), nil
}

// Evaluate takes a snapshot and, when every pipeline is done, swaps aliases
// and flushes the cache. Trigger failures are returned joined; the next pass
// retries them because the snapshot is only remembered after success.
func (c *Coordinator) Evaluate(ctx context.Context) (Evaluation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eval, err := c.evaluateLocked(ctx)
	if c.observe != nil {
		c.observe(eval, err)
	}
	return eval, err
}

func (c *Coordinator) evaluateLocked(ctx context.Context) (Evaluation, error) {
	snap, err := TakeSnapshot(ctx, c.store, c.ks)
	if err != nil {
		return Evaluation{}, err
	}
	eval := Evaluation{Verdict: Evaluate(snap)}
	if !eval.Ready {
		c.logger.Debug("pipelines not ready",
			zap.String("reason", eval.Reason),
			zap.Int("pipelines", eval.Pipelines),
			zap.Int("pending", len(eval.Pending)),
		)
		c.lastActed = ""
		return eval, nil
	}

	eval.Fingerprint = snap.Fingerprint()
	if eval.Fingerprint == c.lastActed {
		eval.AlreadyApplied = true
		return eval, nil
	}

	var errs []error
	if c.swapper != nil {
		if err := c.swapper.SwapAllTo(ctx, eval.Version); err != nil {
			errs = append(errs, fmt.Errorf("swap aliases: %w", err))
		}
	}
	if c.cache != nil {
		if err := c.cache.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush cache: %w", err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Error("ready triggers failed", zap.Int("pipelines", eval.Pipelines), zap.Error(err))
		return eval, err
	}

	c.lastActed = eval.Fingerprint
	eval.Triggered = true
	c.logger.Info("pipelines done, aliases swapped and cache flushed", zap.Int("pipelines", eval.Pipelines), zap.String("version", eval.Version))
	return eval, nil
}

// Run evaluates immediately and then every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("coordinator interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Evaluate(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("coordination pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
