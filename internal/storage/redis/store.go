// Package redis implements the coordination key-value store and the result
// cache on Redis. Run keys and the cache live in different logical databases
// so flushing the cache never touches pipeline state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ajslaghu/open-agenda-api/internal/coord"
)

const scanCount = 500

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	// DB holds the pipeline run keys.
	DB int
	// CacheDB is flushed after a successful swap. It must differ from DB.
	CacheDB int
}

// Store implements coord.Store.
type Store struct {
	client *goredis.Client
}

var _ coord.Store = (*Store)(nil)

// NewStore wraps an existing client.
func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Open connects the status and cache clients and pings both.
func Open(ctx context.Context, cfg Config) (*Store, *Cache, error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("redis addr is required")
	}
	if cfg.DB == cfg.CacheDB {
		return nil, nil, fmt.Errorf("redis cache db must differ from the status db (both %d)", cfg.DB)
	}
	status := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	cache := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.CacheDB})
	for _, c := range []*goredis.Client{status, cache} {
		if err := c.Ping(ctx).Err(); err != nil {
			_ = status.Close()
			_ = cache.Close()
			return nil, nil, fmt.Errorf("ping redis db %d: %w", c.Options().DB, err)
		}
	}
	return NewStore(status), NewCache(cache), nil
}

// Get returns coord.ErrNotFound for a missing key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", coord.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set writes key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys lists keys matching pattern with SCAN so large keyspaces do not block
// the server.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Cache implements coord.Cache on its own database.
type Cache struct {
	client *goredis.Client
}

var _ coord.Cache = (*Cache)(nil)

// NewCache wraps an existing client.
func NewCache(client *goredis.Client) *Cache {
	return &Cache{client: client}
}

// Flush empties the cache database.
func (c *Cache) Flush(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
