// Package memory is an in-process search backend for development and tests.
// Alias updates are applied under one lock, so readers observe either the
// state before or after a batch.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/search"
)

// Backend stores indices, documents and aliases in memory.
type Backend struct {
	mu      sync.RWMutex
	indices map[string]map[string]any
	aliases map[string]map[string]struct{}
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		indices: make(map[string]map[string]any),
		aliases: make(map[string]map[string]struct{}),
	}
}

// ListIndices returns index names with prefix, sorted.
func (b *Backend) ListIndices(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for name := range b.indices {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AliasTargets returns the indices an alias points at.
func (b *Backend) AliasTargets(_ context.Context, aliasName string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.targetsLocked(aliasName), nil
}

func (b *Backend) targetsLocked(aliasName string) []string {
	out := make([]string, 0, len(b.aliases[aliasName]))
	for idx := range b.aliases[aliasName] {
		out = append(out, idx)
	}
	sort.Strings(out)
	return out
}

// UpdateAliases validates every action first and then applies the batch.
func (b *Backend) UpdateAliases(_ context.Context, actions []alias.Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range actions {
		if _, ok := b.indices[a.Index]; !ok {
			return fmt.Errorf("index %s does not exist", a.Index)
		}
		if a.Type != alias.ActionAdd && a.Type != alias.ActionRemove {
			return fmt.Errorf("unknown alias action %q", a.Type)
		}
	}
	for _, a := range actions {
		targets := b.aliases[a.Alias]
		if targets == nil {
			targets = make(map[string]struct{})
			b.aliases[a.Alias] = targets
		}
		if a.Type == alias.ActionAdd {
			targets[a.Index] = struct{}{}
		} else {
			delete(targets, a.Index)
		}
	}
	return nil
}

// EnsureIndex creates index when missing.
func (b *Backend) EnsureIndex(_ context.Context, index string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indices[index]; !ok {
		b.indices[index] = make(map[string]any)
	}
	return nil
}

// Bulk stores docs in index, which must exist.
func (b *Backend) Bulk(_ context.Context, index string, docs []search.Document) (search.BulkResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	store, ok := b.indices[index]
	if !ok {
		return search.BulkResult{}, fmt.Errorf("index %s does not exist", index)
	}
	var res search.BulkResult
	for _, doc := range docs {
		if doc.ID == "" {
			res.Failed = append(res.Failed, search.ItemError{Status: 400, Reason: "missing document id"})
			continue
		}
		store[doc.ID] = doc.Body
		res.Indexed++
	}
	return res, nil
}

// Count returns the number of documents visible through name, which may be an
// index or an alias.
func (b *Backend) Count(name string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if docs, ok := b.indices[name]; ok {
		return len(docs), nil
	}
	targets := b.targetsLocked(name)
	if len(targets) == 0 {
		return 0, fmt.Errorf("no such index or alias %s", name)
	}
	total := 0
	for _, idx := range targets {
		total += len(b.indices[idx])
	}
	return total, nil
}

// Document returns a stored document body.
func (b *Backend) Document(index, id string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.indices[index][id]
	return doc, ok
}
