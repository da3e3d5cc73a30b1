package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/config"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
)

func newAgendaSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/agenda", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>
<article class="agendaitem"><a href="/meeting/1">Raad</a></article>
<article class="agendaitem"><a href="/meeting/2">Commissie</a></article>
</body></html>`)
	})
	mux.HandleFunc("/meeting/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>%s</title></head><body><p>Vergadering %s</p></body></html>", r.URL.Path, r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sources.yaml")
	catalog := fmt.Sprintf("sources:\n  - slug: testgemeente\n    url: %s\n    extractor: ekko\n", siteURL)
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))
	cfg.Sources.Path = path
	cfg.Fetch.RatePerSecond = 0
	cfg.Fetch.TimeoutSeconds = 5
	cfg.Archive.Backend = "memory"
	cfg.Notify.Backend = "memory"
	return cfg
}

func TestNewRequiresSourceCatalog(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sources.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err = New(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "load sources")
}

func TestAppRunsSourceAndSwapsAliases(t *testing.T) {
	t.Parallel()

	site := newAgendaSite(t)
	cfg := testConfig(t, site.URL)
	ctx := context.Background()

	a, err := New(ctx, cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	verdict, err := a.Coordinator().Check(ctx)
	require.NoError(t, err)
	require.False(t, verdict.Ready)

	runID, err := a.NewRunID()
	require.NoError(t, err)
	require.NoError(t, a.Runs().CreateRun(ctx, ingest.Run{ID: runID, Status: ingest.RunQueued, Submitted: a.Now()}))

	build := ingest.NewBuild(a.Now())
	require.NoError(t, a.Runner().Execute(ctx, ingest.RunRequest{RunID: runID, Version: build.Version}))

	run, err := a.Runs().GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, ingest.RunSucceeded, run.Status)
	require.Len(t, run.Summaries, 1)
	require.Equal(t, int64(2), run.Summaries[0].Indexed)

	eval, err := a.Coordinator().Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, eval.Triggered)
	require.Equal(t, build.Version, eval.Version)

	for _, logical := range cfg.Index.Targets {
		targets, err := a.search.AliasTargets(ctx, cfg.Index.Prefix+"_"+logical)
		require.NoError(t, err)
		require.Equal(t, []string{cfg.Index.Prefix + "_" + logical + "_" + build.Version}, targets)
	}
}

func TestAppDispatchesQueuedRuns(t *testing.T) {
	t.Parallel()

	site := newAgendaSite(t)
	cfg := testConfig(t, site.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	go a.Dispatcher().Run(ctx)

	require.NoError(t, a.Runs().CreateRun(ctx, ingest.Run{ID: "queued-1", Status: ingest.RunQueued}))
	require.NoError(t, a.Dispatcher().Enqueue(ctx, ingest.RunRequest{RunID: "queued-1"}))

	require.Eventually(t, func() bool {
		run, err := a.Runs().GetRun(ctx, "queued-1")
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	run, err := a.Runs().GetRun(ctx, "queued-1")
	require.NoError(t, err)
	require.Equal(t, ingest.RunSucceeded, run.Status)

	require.Eventually(t, func() bool {
		verdict, err := a.Coordinator().Check(ctx)
		return err == nil && verdict.Ready
	}, time.Second, 10*time.Millisecond)
}

func TestExecuteReturnsFinalRun(t *testing.T) {
	t.Parallel()

	site := newAgendaSite(t)
	cfg := testConfig(t, site.URL)
	ctx := context.Background()

	a, err := New(ctx, cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	run, err := a.Execute(ctx, []string{"testgemeente"})
	require.NoError(t, err)
	require.Equal(t, ingest.RunSucceeded, run.Status)
	require.NotEmpty(t, run.Version)
	require.NotNil(t, run.Finished)

	_, err = a.Execute(ctx, []string{"unknown"})
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	site := newAgendaSite(t)
	cfg := testConfig(t, site.URL)
	cfg.Coordination.IntervalSeconds = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, ln) }()

	healthURL := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
