package coord

import (
	"context"
	"fmt"
)

// Tracker is the worker-side writer of run keys.
type Tracker struct {
	store Store
	ks    Keyspace
}

// NewTracker returns a tracker writing into ks.
func NewTracker(store Store, ks Keyspace) *Tracker {
	return &Tracker{store: store, ks: ks}
}

// Start marks the pipeline as running into the generation named by version,
// overwriting any previous run.
func (t *Tracker) Start(ctx context.Context, pipelineID, version string) error {
	return t.set(ctx, RunKey{PipelineID: pipelineID}, EncodeStatus(StatusRunning, version))
}

// Done marks the pipeline as finished writing the generation named by version.
func (t *Tracker) Done(ctx context.Context, pipelineID, version string) error {
	return t.set(ctx, RunKey{PipelineID: pipelineID}, EncodeStatus(StatusDone, version))
}

// OpenChain records that enrichment work is in flight for the pipeline.
func (t *Tracker) OpenChain(ctx context.Context, pipelineID string) error {
	return t.set(ctx, RunKey{PipelineID: pipelineID, Chain: true}, string(StatusRunning))
}

// CloseChain removes the chain key.
func (t *Tracker) CloseChain(ctx context.Context, pipelineID string) error {
	key := t.ks.Encode(RunKey{PipelineID: pipelineID, Chain: true})
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) set(ctx context.Context, k RunKey, value string) error {
	key := t.ks.Encode(k)
	if err := t.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("set %s=%s: %w", key, value, err)
	}
	return nil
}
