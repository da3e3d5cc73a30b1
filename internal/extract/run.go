package extract

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
)

// Result is the outcome of fetching one discovered locator.
type Result struct {
	Locator string
	Object  RawObject
	Err     error
}

// Stats summarizes a Run.
type Stats struct {
	Discovered int64
	Fetched    int64
	Failed     int64
}

// Run discovers locators sequentially and fetches them on a pool of at most
// workers goroutines. handle is invoked from pool goroutines, once per
// locator, in no particular order, and must be safe for concurrent use.
// Per-locator failures are delivered to handle and never stop discovery.
func Run(ctx context.Context, ex Extractor, workers int, handle func(context.Context, Result)) (Stats, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return Stats{}, fmt.Errorf("create fetch pool: %w", err)
	}
	defer pool.Release()

	var (
		wg         sync.WaitGroup
		discovered atomic.Int64
		fetched    atomic.Int64
		failed     atomic.Int64
		submitErr  error
	)
	discoverErr := ex.Discover(ctx, func(locator string) bool {
		if ctx.Err() != nil {
			return false
		}
		discovered.Add(1)
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			obj, err := ex.Fetch(ctx, locator)
			if err != nil {
				failed.Add(1)
			} else {
				fetched.Add(1)
			}
			handle(ctx, Result{Locator: locator, Object: obj, Err: err})
		})
		if err != nil {
			wg.Done()
			submitErr = fmt.Errorf("submit fetch %s: %w", locator, err)
			return false
		}
		return true
	})
	wg.Wait()

	stats := Stats{
		Discovered: discovered.Load(),
		Fetched:    fetched.Load(),
		Failed:     failed.Load(),
	}
	if discoverErr != nil {
		return stats, fmt.Errorf("discover: %w", discoverErr)
	}
	if submitErr != nil {
		return stats, submitErr
	}
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("extraction canceled: %w", err)
	}
	return stats, nil
}
