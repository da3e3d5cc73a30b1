package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/config"
	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	queueMemory "github.com/ajslaghu/open-agenda-api/internal/queue/memory"
	"github.com/ajslaghu/open-agenda-api/internal/report/sinks"
	"github.com/ajslaghu/open-agenda-api/internal/source"
	"github.com/ajslaghu/open-agenda-api/internal/storage/memory"
)

type testEnv struct {
	server *Server
	runs   *memory.RunStore
	queue  *queueMemory.Queue
	coord  *fakeCoordinator
	swaps  *fakeSwapper
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	catalog, err := source.New(
		source.Source{Slug: "utrecht", URL: "https://utrecht.example.com", Extractor: "ekko"},
		source.Source{Slug: "amsterdam", URL: "https://amsterdam.example.com", Extractor: "ekko"},
	)
	require.NoError(t, err)
	env := &testEnv{
		runs:  memory.NewRunStore(),
		queue: queueMemory.NewQueue(10),
		coord: &fakeCoordinator{},
		swaps: &fakeSwapper{},
	}
	env.server = NewServer(Deps{
		Runs:        env.runs,
		Queue:       env.queue,
		IDs:         &fakeIDGen{ids: []string{"run-1", "run-2"}},
		Clock:       fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		Catalog:     catalog,
		Coordinator: env.coord,
		Aliases:     env.swaps,
	}, cfg, zap.NewNop())
	return env
}

func serve(s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitRun_QueuesRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := serve(env.server, http.MethodPost, "/v1/runs", []byte(`{"sources":["utrecht"]}`), nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "run-1")
	require.Contains(t, rec.Body.String(), "20240301120000")

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", item.RunID)
	require.Equal(t, []string{"utrecht"}, item.Sources)
	require.Equal(t, "20240301120000", item.Version)

	run, err := env.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, ingest.RunQueued, run.Status)
}

func TestServer_SubmitRun_EmptySourcesSelectsCatalog(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := serve(env.server, http.MethodPost, "/v1/runs", []byte(`{"version":"20240101000000"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"utrecht", "amsterdam"}, item.Sources)
	require.Equal(t, "20240101000000", item.Version)
}

func TestServer_SubmitRun_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid json":   `{"sources":`,
		"unknown field":  `{"urls":["https://example.com"]}`,
		"unknown source": `{"sources":["rotterdam"]}`,
		"bad version":    `{"version":"yesterday"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{})
			rec := serve(env.server, http.MethodPost, "/v1/runs", []byte(body), nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, 0, env.queue.Len())
		})
	}
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.runs.CreateRun(context.Background(), ingest.Run{ID: "run-9", Status: ingest.RunQueued}))

	rec := serve(env.server, http.MethodGet, "/v1/runs/run-9", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run ingest.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-9", body.Run.ID)

	rec = serve(env.server, http.MethodGet, "/v1/runs/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Coordination(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.coord.verdict = coord.Verdict{Ready: false, Reason: coord.ReasonNoPipelines}
	rec := serve(env.server, http.MethodGet, "/v1/coordination", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ready":false`)
	require.Equal(t, 0, env.coord.evaluations)

	env.coord.eval = coord.Evaluation{Verdict: coord.Verdict{Ready: true, Pipelines: 2}, Triggered: true}
	rec = serve(env.server, http.MethodPost, "/v1/coordination/evaluate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"triggered":true`)
	require.Equal(t, 1, env.coord.evaluations)

	env.coord.err = errors.New("kv unreachable")
	rec = serve(env.server, http.MethodPost, "/v1/coordination/evaluate", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_SwapAliases(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.swaps.results = []alias.Result{{Logical: "data_items", Alias: "oaa_data_items", Target: "oaa_data_items_2", Changed: true}}
	rec := serve(env.server, http.MethodPost, "/v1/aliases/swap", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "oaa_data_items_2")

	rec = serve(env.server, http.MethodPost, "/v1/aliases/swap?logical=combined_index", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"combined_index"}, env.swaps.single)

	env.swaps.err = fmt.Errorf("%w: boom", alias.ErrSwapRejected)
	rec = serve(env.server, http.MethodPost, "/v1/aliases/swap", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_AuthGuardsV1Only(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	env := newTestEnv(t, cfg)

	require.Equal(t, http.StatusOK, serve(env.server, http.MethodGet, "/healthz", nil, nil).Code)
	require.Equal(t, http.StatusForbidden, serve(env.server, http.MethodGet, "/v1/coordination", nil, nil).Code)
	require.Equal(t, http.StatusOK,
		serve(env.server, http.MethodGet, "/v1/coordination", nil, map[string]string{"X-API-Key": "secret"}).Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.Equal(t, http.StatusOK, serve(env.server, http.MethodGet, "/readyz", nil, nil).Code)

	env.server.deps.Ready = map[string]ReadyCheck{
		"coordination": func(context.Context) error { return errors.New("redis down") },
	}
	rec := serve(env.server, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis down")
}

func TestServer_ReportsUnavailableWithoutStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := serve(env.server, http.MethodGet, "/v1/reports/source-runs", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportHandlerListSourceRuns(t *testing.T) {
	t.Parallel()

	repo := &fakeReportReader{runs: []sinks.SourceRun{{RunID: "run-1", Source: "utrecht", Status: sinks.SourceSuccess}}}
	handler := NewReportHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/source-runs?status=success&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListSourceRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "source_runs")
	require.NotNil(t, repo.status)
	require.Equal(t, sinks.SourceSuccess, *repo.status)
	require.Equal(t, 10, repo.limit)
}

func TestReportHandlerRejectsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewReportHandler(&fakeReportReader{}, zap.NewNop())
	for _, target := range []string{
		"/v1/reports/source-runs?limit=-1",
		"/v1/reports/source-runs?offset=x",
		"/v1/reports/source-runs?status=paused",
	} {
		rec := httptest.NewRecorder()
		handler.ListSourceRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestReportHandlerListItemFailuresThroughRouter(t *testing.T) {
	t.Parallel()

	repo := &fakeReportReader{failures: []sinks.ItemFailure{{RunID: "run-1", URL: "https://a", Phase: "fetch"}}}
	env := newTestEnv(t, config.Config{})
	env.server = NewServer(Deps{
		Runs:    env.runs,
		Queue:   env.queue,
		Catalog: env.server.deps.Catalog,
		Reports: repo,
	}, config.Config{}, zap.NewNop())

	rec := serve(env.server, http.MethodGet, "/v1/reports/runs/run-1/failures?limit=5000", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://a")
	require.Equal(t, "run-1", repo.runID)
	require.Equal(t, maxFailuresLimit, repo.limit)
}

type fakeIDGen struct {
	ids []string
	idx int
}

func (f *fakeIDGen) NewID() (string, error) {
	if f.idx >= len(f.ids) {
		return "", errors.New("no ids left")
	}
	id := f.ids[f.idx]
	f.idx++
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type fakeCoordinator struct {
	verdict     coord.Verdict
	eval        coord.Evaluation
	err         error
	evaluations int
}

func (f *fakeCoordinator) Check(context.Context) (coord.Verdict, error) {
	return f.verdict, f.err
}

func (f *fakeCoordinator) Evaluate(context.Context) (coord.Evaluation, error) {
	f.evaluations++
	return f.eval, f.err
}

type fakeSwapper struct {
	results []alias.Result
	single  []string
	err     error
}

func (f *fakeSwapper) Swap(_ context.Context, logical string) (alias.Result, error) {
	f.single = append(f.single, logical)
	return alias.Result{Logical: logical}, f.err
}

func (f *fakeSwapper) SwapAllResults(context.Context) ([]alias.Result, error) {
	return f.results, f.err
}

type fakeReportReader struct {
	runs     []sinks.SourceRun
	failures []sinks.ItemFailure
	status   *sinks.SourceRunStatus
	runID    string
	limit    int
}

func (f *fakeReportReader) ListSourceRuns(
	_ context.Context,
	status *sinks.SourceRunStatus,
	limit, _ int,
) ([]sinks.SourceRun, error) {
	f.status = status
	f.limit = limit
	return f.runs, nil
}

func (f *fakeReportReader) ListItemFailures(_ context.Context, runID string, limit, _ int) ([]sinks.ItemFailure, error) {
	f.runID = runID
	f.limit = limit
	return f.failures, nil
}
