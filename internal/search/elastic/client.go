// Package elastic implements the alias backend and document indexer on
// Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/search"
)

// Config holds cluster connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	// IndexSettings is sent as the body of index creation requests.
	IndexSettings map[string]any
}

// Client wraps the official Elasticsearch client.
type Client struct {
	es       *elasticsearch.Client
	settings map[string]any
}

// New connects a client. No request is made until first use.
func New(cfg Config) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{es: es, settings: cfg.IndexSettings}, nil
}

// ListIndices returns the names of indices starting with prefix.
func (c *Client) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	res, err := c.es.Cat.Indices(
		c.es.Cat.Indices.WithContext(ctx),
		c.es.Cat.Indices.WithIndex(prefix+"*"),
		c.es.Cat.Indices.WithFormat("json"),
		c.es.Cat.Indices.WithH("index"),
	)
	if err != nil {
		return nil, fmt.Errorf("cat indices: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, responseError("cat indices", res)
	}

	var rows []struct {
		Index string `json:"index"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode cat indices: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.HasPrefix(row.Index, prefix) {
			out = append(out, row.Index)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AliasTargets returns the indices alias points at; none when it does not exist.
func (c *Client) AliasTargets(ctx context.Context, aliasName string) ([]string, error) {
	res, err := c.es.Indices.GetAlias(
		c.es.Indices.GetAlias.WithContext(ctx),
		c.es.Indices.GetAlias.WithName(aliasName),
	)
	if err != nil {
		return nil, fmt.Errorf("get alias %s: %w", aliasName, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, responseError("get alias "+aliasName, res)
	}

	var byIndex map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&byIndex); err != nil {
		return nil, fmt.Errorf("decode alias %s: %w", aliasName, err)
	}
	out := make([]string, 0, len(byIndex))
	for idx := range byIndex {
		out = append(out, idx)
	}
	sort.Strings(out)
	return out, nil
}

// UpdateAliases applies actions in a single _aliases request, which the
// cluster executes atomically.
func (c *Client) UpdateAliases(ctx context.Context, actions []alias.Action) error {
	type target struct {
		Index string `json:"index"`
		Alias string `json:"alias"`
	}
	body := struct {
		Actions []map[string]target `json:"actions"`
	}{}
	for _, a := range actions {
		body.Actions = append(body.Actions, map[string]target{
			string(a.Type): {Index: a.Index, Alias: a.Alias},
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal alias actions: %w", err)
	}

	res, err := c.es.Indices.UpdateAliases(bytes.NewReader(payload), c.es.Indices.UpdateAliases.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("update aliases: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("update aliases", res)
	}
	return nil
}

// EnsureIndex creates index, treating an existing index as success.
func (c *Client) EnsureIndex(ctx context.Context, index string) error {
	opts := []func(*esapi.IndicesCreateRequest){c.es.Indices.Create.WithContext(ctx)}
	if len(c.settings) > 0 {
		payload, err := json.Marshal(c.settings)
		if err != nil {
			return fmt.Errorf("marshal index settings: %w", err)
		}
		opts = append(opts, c.es.Indices.Create.WithBody(bytes.NewReader(payload)))
	}
	res, err := c.es.Indices.Create(index, opts...)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()
	if !res.IsError() {
		return nil
	}
	apiErr := responseError("create index "+index, res)
	var esErr *Error
	if errors.As(apiErr, &esErr) && esErr.Type == "resource_already_exists_exception" {
		return nil
	}
	return apiErr
}

// Bulk indexes docs with one _bulk request.
func (c *Client) Bulk(ctx context.Context, index string, docs []search.Document) (search.BulkResult, error) {
	if len(docs) == 0 {
		return search.BulkResult{}, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		meta := map[string]map[string]string{"index": {"_index": index, "_id": doc.ID}}
		if err := enc.Encode(meta); err != nil {
			return search.BulkResult{}, fmt.Errorf("encode bulk meta %s: %w", doc.ID, err)
		}
		if err := enc.Encode(doc.Body); err != nil {
			return search.BulkResult{}, fmt.Errorf("encode bulk body %s: %w", doc.ID, err)
		}
	}

	res, err := c.es.Bulk(&buf, c.es.Bulk.WithContext(ctx))
	if err != nil {
		return search.BulkResult{}, fmt.Errorf("bulk index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return search.BulkResult{}, responseError("bulk index "+index, res)
	}

	var body struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return search.BulkResult{}, fmt.Errorf("decode bulk response: %w", err)
	}
	var result search.BulkResult
	for _, item := range body.Items {
		for _, op := range item {
			if op.Error != nil {
				result.Failed = append(result.Failed, search.ItemError{
					ID:     op.ID,
					Status: op.Status,
					Reason: op.Error.Type + ": " + op.Error.Reason,
				})
				continue
			}
			result.Indexed++
		}
	}
	return result, nil
}

// Error is an Elasticsearch API error response.
type Error struct {
	Op     string
	Status int
	Type   string
	Reason string
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s: %s", e.Op, e.Status, e.Type, e.Reason)
}

func responseError(op string, res *esapi.Response) error {
	apiErr := &Error{Op: op, Status: res.StatusCode}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return apiErr
	}
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Type = body.Error.Type
		apiErr.Reason = body.Error.Reason
	}
	return apiErr
}
