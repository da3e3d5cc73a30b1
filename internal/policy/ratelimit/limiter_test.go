package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

func TestLimiterWaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		observed []string
	)
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
		ObserveDelay: func(host string, _ time.Duration) {
			mu.Lock()
			observed = append(observed, host)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://portal.example/agenda"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://portal.example/agenda?page=2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"portal.example"}, observed)
}

func TestLimiterDifferentHostsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://a.example"))
}

func TestWrapDelegates(t *testing.T) {
	t.Parallel()

	var calls int
	next := extract.FetcherFunc(func(_ context.Context, url string) (extract.Response, error) {
		calls++
		return extract.Response{URL: url, StatusCode: 200}, nil
	})
	f := Wrap(New(Config{}), next)
	resp, err := f.Fetch(context.Background(), "https://a.example/x")
	require.NoError(t, err)
	require.Equal(t, "https://a.example/x", resp.URL)
	require.Equal(t, 1, calls)
}
