// Package dispatcher runs a fixed pool of workers over the run queue and
// accepts submissions on its behalf.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ajslaghu/open-agenda-api/internal/ingest"
)

// ErrNotRunning is returned by Ready while no worker is consuming the queue.
var ErrNotRunning = errors.New("dispatcher not running")

// Runner is a long-lived consumer of the run queue.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the worker pool for one queue.
type Dispatcher struct {
	queue   ingest.Queue
	workers []Runner
	active  atomic.Int32
}

// New creates a Dispatcher over queue. Workers start when Run is called.
func New(queue ingest.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{queue: queue, workers: workers}
}

// Run starts every worker and blocks until ctx is done and all of them have
// returned. Workers that exit early, for example on a closed queue, are not
// restarted.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		d.active.Add(1)
		wg.Go(func() {
			defer d.active.Add(-1)
			w.Run(ctx)
		})
	}
	<-ctx.Done()
	wg.Wait()
}

// Active returns the number of workers currently running.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Ready fails while no worker is consuming the queue.
func (d *Dispatcher) Ready(context.Context) error {
	if d.Active() == 0 {
		return ErrNotRunning
	}
	return nil
}

// Enqueue submits req, blocking while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, req ingest.RunRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}
	return nil
}
