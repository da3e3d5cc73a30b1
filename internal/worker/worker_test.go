package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	"github.com/ajslaghu/open-agenda-api/internal/queue/memory"
)

func TestWorkerExecutesQueuedRuns(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(4)
	exec := &fakeExecutor{}
	eval := &fakeEvaluator{}
	w := New(queue, exec, eval, Config{Name: "w1"}, zap.NewNop())

	require.NoError(t, queue.Enqueue(ctx, ingest.RunRequest{RunID: "run-1", Sources: []string{"utrecht"}}))
	require.NoError(t, queue.Enqueue(ctx, ingest.RunRequest{RunID: "run-2", Sources: []string{"amsterdam"}}))

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 2 && eval.count() == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"run-1", "run-2"}, exec.seen())
}

func TestWorkerContinuesAfterFailedRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(4)
	exec := &fakeExecutor{fail: map[string]error{"run-bad": errors.New("source unreachable")}}
	eval := &fakeEvaluator{err: errors.New("kv down")}
	w := New(queue, exec, eval, Config{}, zap.NewNop())

	require.NoError(t, queue.Enqueue(ctx, ingest.RunRequest{RunID: "run-bad"}))
	require.NoError(t, queue.Enqueue(ctx, ingest.RunRequest{RunID: "run-good"}))

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	w := New(queue, &fakeExecutor{}, nil, Config{}, nil)
	queue.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue close")
	}
}

func TestWorkerAppliesRunTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(1)
	exec := &fakeExecutor{block: true}
	w := New(queue, exec, nil, Config{RunTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, queue.Enqueue(ctx, ingest.RunRequest{RunID: "run-slow"}))

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 1
	}, time.Second, 10*time.Millisecond)
}

type fakeExecutor struct {
	mu    sync.Mutex
	runs  []string
	fail  map[string]error
	block bool
}

func (f *fakeExecutor) Execute(ctx context.Context, req ingest.RunRequest) error {
	if f.block {
		<-ctx.Done()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req.RunID)
	if f.block {
		return ctx.Err()
	}
	return f.fail[req.RunID]
}

func (f *fakeExecutor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEvaluator) Evaluate(context.Context) (coord.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return coord.Evaluation{}, f.err
}

func (f *fakeEvaluator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
