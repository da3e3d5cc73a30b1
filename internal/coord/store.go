package coord

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store.Get for a missing key.
var ErrNotFound = errors.New("key not found")

// Store is the shared key-value store holding run keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys matching a glob pattern of the form "<prefix>*".
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Cache is the result cache invalidated after a successful swap. It must live
// in a namespace separate from the run keys.
type Cache interface {
	Flush(ctx context.Context) error
}

// TakeSnapshot lists the keyspace and reads the status of every non-chain key.
// Keys that disappear between listing and reading are left without a status.
func TakeSnapshot(ctx context.Context, store Store, ks Keyspace) (Snapshot, error) {
	raw, err := store.Keys(ctx, ks.Pattern())
	if err != nil {
		return Snapshot{}, fmt.Errorf("list run keys: %w", err)
	}
	snap := Snapshot{Statuses: make(map[string]Status), Versions: make(map[string]string)}
	for _, key := range raw {
		rk, ok := ks.Decode(key)
		if !ok {
			continue
		}
		snap.Keys = append(snap.Keys, rk)
		if rk.Chain {
			continue
		}
		value, err := store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("read run key %s: %w", key, err)
		}
		status, version := DecodeStatus(value)
		snap.Statuses[rk.PipelineID] = status
		if version != "" {
			snap.Versions[rk.PipelineID] = version
		}
	}
	return snap, nil
}
