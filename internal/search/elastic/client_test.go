package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/search"
)

type fakeCluster struct {
	mu          sync.Mutex
	indices     []string
	aliases     map[string][]string
	aliasBodies []string
	bulkLines   []string
	created     []string
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasPrefix(r.URL.Path, "/_cat/indices/"):
		prefix := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/_cat/indices/"), "*")
		rows := []map[string]string{}
		for _, idx := range f.indices {
			if strings.HasPrefix(idx, prefix) {
				rows = append(rows, map[string]string{"index": idx})
			}
		}
		_ = json.NewEncoder(w).Encode(rows)
	case strings.HasPrefix(r.URL.Path, "/_alias/"):
		name := strings.TrimPrefix(r.URL.Path, "/_alias/")
		targets, ok := f.aliases[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"alias [`+name+`] missing","status":404}`)
			return
		}
		body := map[string]any{}
		for _, idx := range targets {
			body[idx] = map[string]any{"aliases": map[string]any{name: map[string]any{}}}
		}
		_ = json.NewEncoder(w).Encode(body)
	case r.URL.Path == "/_aliases":
		data, _ := io.ReadAll(r.Body)
		f.aliasBodies = append(f.aliasBodies, string(data))
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case r.URL.Path == "/_bulk":
		scanner := bufio.NewScanner(r.Body)
		var items []string
		n := 0
		for scanner.Scan() {
			line := scanner.Text()
			f.bulkLines = append(f.bulkLines, line)
			if n%2 == 0 {
				var meta map[string]map[string]string
				_ = json.Unmarshal([]byte(line), &meta)
				id := meta["index"]["_id"]
				if id == "bad" {
					items = append(items, `{"index":{"_id":"bad","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}}`)
				} else {
					items = append(items, `{"index":{"_id":"`+id+`","status":201}}`)
				}
			}
			n++
		}
		_, _ = io.WriteString(w, `{"took":1,"errors":true,"items":[`+strings.Join(items, ",")+`]}`)
	case r.Method == http.MethodPut:
		name := strings.TrimPrefix(r.URL.Path, "/")
		for _, idx := range f.indices {
			if idx == name {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"type":"resource_already_exists_exception","reason":"index exists"},"status":400}`)
				return
			}
		}
		if name == "forbidden" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"type":"security_exception","reason":"no"},"status":403}`)
			return
		}
		f.indices = append(f.indices, name)
		f.created = append(f.created, name)
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, cluster *fakeCluster) *Client {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)
	c, err := New(Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return c
}

func TestListIndicesAndAliasTargets(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{
		indices: []string{"oaa_data_20240301000000", "oaa_data_20240101000000", "oaa_combined_index_20240101000000"},
		aliases: map[string][]string{"oaa_data": {"oaa_data_20240101000000"}},
	}
	c := newTestClient(t, cluster)
	ctx := context.Background()

	got, err := c.ListIndices(ctx, "oaa_data_")
	require.NoError(t, err)
	require.Equal(t, []string{"oaa_data_20240101000000", "oaa_data_20240301000000"}, got)

	targets, err := c.AliasTargets(ctx, "oaa_data")
	require.NoError(t, err)
	require.Equal(t, []string{"oaa_data_20240101000000"}, targets)

	targets, err = c.AliasTargets(ctx, "oaa_missing")
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestManagerSwapOverElasticsearch(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{
		indices: []string{"oaa_data_20240301000000", "oaa_data_20240101000000"},
		aliases: map[string][]string{"oaa_data": {"oaa_data_20240101000000"}},
	}
	m, err := alias.NewManager(newTestClient(t, cluster), alias.Config{Prefix: "oaa"})
	require.NoError(t, err)

	res, err := m.Swap(context.Background(), "data")
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Len(t, cluster.aliasBodies, 1)
	require.JSONEq(t, `{"actions":[
		{"remove":{"index":"oaa_data_20240101000000","alias":"oaa_data"}},
		{"add":{"index":"oaa_data_20240301000000","alias":"oaa_data"}}
	]}`, cluster.aliasBodies[0])
}

func TestEnsureIndexToleratesExisting(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{indices: []string{"oaa_data_20240101000000"}}
	c := newTestClient(t, cluster)
	ctx := context.Background()

	require.NoError(t, c.EnsureIndex(ctx, "oaa_data_20240101000000"))
	require.NoError(t, c.EnsureIndex(ctx, "oaa_data_20240301000000"))
	require.Equal(t, []string{"oaa_data_20240301000000"}, cluster.created)

	err := c.EnsureIndex(ctx, "forbidden")
	var esErr *Error
	require.ErrorAs(t, err, &esErr)
	require.Equal(t, http.StatusForbidden, esErr.Status)
	require.Equal(t, "security_exception", esErr.Type)
}

func TestBulkReportsItemErrors(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{}
	c := newTestClient(t, cluster)

	res, err := c.Bulk(context.Background(), "oaa_data_items_1", []search.Document{
		{ID: "a", Body: map[string]string{"title": "Raad"}},
		{ID: "bad", Body: map[string]string{"title": "Kapot"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, []search.ItemError{{ID: "bad", Status: 400, Reason: "mapper_parsing_exception: failed to parse"}}, res.Failed)
	require.Len(t, cluster.bulkLines, 4)
	require.JSONEq(t, `{"index":{"_index":"oaa_data_items_1","_id":"a"}}`, cluster.bulkLines[0])

	res, err = c.Bulk(context.Background(), "oaa_data_items_1", nil)
	require.NoError(t, err)
	require.Zero(t, res.Indexed)
}
