package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	queuememory "github.com/ajslaghu/open-agenda-api/internal/queue/memory"
)

// drainRunner dequeues until ctx ends and records what it saw.
type drainRunner struct {
	queue ingest.Queue
	seen  chan string
}

func (r *drainRunner) Run(ctx context.Context) {
	for {
		req, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		r.seen <- req.RunID
	}
}

func TestDispatcherRunsWorkersUntilCanceled(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(4)
	seen := make(chan string, 4)
	d := New(queue, []Runner{
		&drainRunner{queue: queue, seen: seen},
		&drainRunner{queue: queue, seen: seen},
	})
	require.ErrorIs(t, d.Ready(context.Background()), ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Active() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Ready(ctx))

	require.NoError(t, d.Enqueue(ctx, ingest.RunRequest{RunID: "a"}))
	require.NoError(t, d.Enqueue(ctx, ingest.RunRequest{RunID: "b"}))
	got := map[string]bool{<-seen: true, <-seen: true}
	require.Equal(t, map[string]bool{"a": true, "b": true}, got)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
	require.Zero(t, d.Active())
}

func TestDispatcherEnqueueWrapsQueueErrors(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(1)
	queue.Close()
	d := New(queue, nil)

	err := d.Enqueue(context.Background(), ingest.RunRequest{RunID: "late"})
	require.ErrorIs(t, err, ingest.ErrQueueClosed)
	require.Contains(t, err.Error(), "late")
}

func TestDispatcherEnqueueHonorsContext(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(1)
	d := New(queue, nil)
	require.NoError(t, d.Enqueue(context.Background(), ingest.RunRequest{RunID: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Enqueue(ctx, ingest.RunRequest{RunID: "second"})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
