package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

// Observer receives the result of every task invocation.
type Observer func(task string, outcome string, elapsed time.Duration)

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a per-task observer, typically a metrics hook.
func WithObserver(obs Observer) Option {
	return func(c *Chain) {
		c.observe = obs
	}
}

// Chain dispatches a raw object through an ordered list of tasks.
// A Chain is immutable after construction and safe for concurrent use.
type Chain struct {
	tasks   []Task
	logger  *zap.Logger
	observe Observer
}

// NewChain validates tasks and builds a chain that runs them in order.
func NewChain(tasks []Task, opts ...Option) (*Chain, error) {
	seen := make(map[string]struct{}, len(tasks))
	for i, task := range tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}
		if task.Transform == nil {
			return nil, fmt.Errorf("task %s has no transform", task.Name)
		}
		if _, dup := seen[task.Name]; dup {
			return nil, fmt.Errorf("duplicate task %s", task.Name)
		}
		seen[task.Name] = struct{}{}
	}
	c := &Chain{
		tasks:  append([]Task(nil), tasks...),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Tasks returns the task names in dispatch order.
func (c *Chain) Tasks() []string {
	out := make([]string, len(c.tasks))
	for i, task := range c.tasks {
		out[i] = task.Name
	}
	return out
}

// Enrich runs every task accepting the object's content type and returns the
// accumulated record. Each task works on a staged copy which is committed
// only when the task reports Applied. Any task error aborts the chain and is
// returned as *FatalError.
func (c *Chain) Enrich(ctx context.Context, obj extract.RawObject) (*Record, error) {
	contentType := NormalizeContentType(obj.ContentType)
	obj.ContentType = contentType
	rec := NewRecord()

	for _, task := range c.tasks {
		if !task.ContentTypes.Accepts(contentType) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &FatalError{Task: task.Name, ContentType: contentType, Err: err}
		}

		staged := rec.Clone()
		start := time.Now()
		outcome, err := task.Transform(ctx, obj, staged)
		elapsed := time.Since(start)
		if err != nil {
			c.record(task.Name, "failed", elapsed)
			return nil, &FatalError{Task: task.Name, ContentType: contentType, Err: err}
		}
		c.record(task.Name, outcome.String(), elapsed)

		switch outcome {
		case Applied:
			rec = staged
		default:
			if !task.ContentTypes.Any() {
				c.logger.Warn("typed enrichment task declined an accepted content type",
					zap.String("task", task.Name),
					zap.String("content_type", contentType),
					zap.String("origin_url", obj.OriginURL),
				)
			}
		}
	}
	return rec, nil
}

func (c *Chain) record(task, outcome string, elapsed time.Duration) {
	if c.observe != nil {
		c.observe(task, outcome, elapsed)
	}
}
