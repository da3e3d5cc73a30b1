// Package natskv implements the coordination key-value store and the result
// cache on NATS JetStream key-value buckets. Run keys and the cache use two
// different buckets.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ajslaghu/open-agenda-api/internal/coord"
)

// Config holds connection and bucket settings.
type Config struct {
	URL         string
	Bucket      string
	CacheBucket string
	Timeout     time.Duration
}

// bucket is the subset of jetstream.KeyValue the store relies on.
type bucket interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, value []byte) error
	remove(ctx context.Context, key string) error
	purge(ctx context.Context, key string) error
	keys(ctx context.Context) ([]string, error)
}

// Store implements coord.Store on a JetStream bucket.
type Store struct {
	b bucket
}

var _ coord.Store = (*Store)(nil)

// Cache implements coord.Cache by purging every key of its bucket.
type Cache struct {
	b bucket
}

var _ coord.Cache = (*Cache)(nil)

// Conn owns the NATS connection behind a Store and Cache.
type Conn struct {
	nc *nats.Conn
}

// Close drains the connection.
func (c *Conn) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

// Open connects to NATS and creates the buckets if they are missing.
func Open(ctx context.Context, cfg Config) (*Store, *Cache, *Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Bucket == "" || cfg.CacheBucket == "" {
		return nil, nil, nil, fmt.Errorf("nats status and cache buckets are required")
	}
	if cfg.Bucket == cfg.CacheBucket {
		return nil, nil, nil, fmt.Errorf("nats cache bucket must differ from the status bucket %q", cfg.Bucket)
	}
	opts := []nats.Option{nats.Name("open-agenda-coordinator")}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	status, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Bucket, History: 1})
	if err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
	}
	cache, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.CacheBucket, History: 1})
	if err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("open bucket %s: %w", cfg.CacheBucket, err)
	}
	return &Store{b: jsBucket{kv: status}}, &Cache{b: jsBucket{kv: cache}}, &Conn{nc: nc}, nil
}

// Get returns coord.ErrNotFound for a missing or deleted key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.b.get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", coord.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return string(value), nil
}

// Set writes key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.b.put(ctx, key, []byte(value)); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.b.remove(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the bucket and filters with pattern. JetStream subject wildcards
// match whole tokens only, so "pipeline_*" is applied client side.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	all, err := s.b.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	var out []string
	for _, key := range all {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Flush purges every key in the cache bucket.
func (c *Cache) Flush(ctx context.Context) error {
	keys, err := c.b.keys(ctx)
	if err != nil {
		return fmt.Errorf("kv list cache keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := c.b.purge(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b jsBucket) put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b jsBucket) remove(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

func (b jsBucket) purge(ctx context.Context, key string) error {
	return b.kv.Purge(ctx, key)
}

func (b jsBucket) keys(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for key := range lister.Keys() {
		out = append(out, key)
	}
	return out, nil
}
