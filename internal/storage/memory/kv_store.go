package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/ajslaghu/open-agenda-api/internal/coord"
)

// KV is an in-process key-value store. One instance holds run keys
// (coord.Store); a separate instance serves as the result cache (coord.Cache).
type KV struct {
	mu   sync.RWMutex
	data map[string]string
}

var (
	_ coord.Store = (*KV)(nil)
	_ coord.Cache = (*KV)(nil)
)

// NewKV returns an empty store.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

// Get returns coord.ErrNotFound for a missing key.
func (s *KV) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return "", coord.ErrNotFound
	}
	return value, nil
}

// Set writes key.
func (s *KV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *KV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns the sorted keys matching a glob pattern.
func (s *KV) Keys(_ context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for key := range s.data {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Flush removes every key.
func (s *KV) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	return nil
}

// Len returns the number of stored keys.
func (s *KV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
