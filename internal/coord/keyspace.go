// Package coord decides when a batch of pipeline runs has finished across
// worker processes and triggers the follow-up actions (alias swap, cache flush).
//
// Workers record their state in a shared key-value store; the coordinator
// takes a snapshot of the keyspace and evaluates it with a pure function.
package coord

import "strings"

// Status is the recorded state of a pipeline run.
type Status string

// Pipeline statuses.
const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
)

// statusSeparator splits a stored status value into status and build version.
const statusSeparator = ":"

// EncodeStatus formats the stored value of a pipeline key. The build version
// is appended so the coordinator can tell which generation a pipeline wrote.
func EncodeStatus(status Status, version string) string {
	if version == "" {
		return string(status)
	}
	return string(status) + statusSeparator + version
}

// DecodeStatus splits a stored value. Bare values written without a version
// decode with an empty version.
func DecodeStatus(value string) (Status, string) {
	status, version, _ := strings.Cut(value, statusSeparator)
	return Status(status), version
}

// RunKey identifies a pipeline run key. Chain keys mark enrichment work that
// is still in flight for the pipeline.
type RunKey struct {
	PipelineID string
	Chain      bool
}

// Keyspace encodes run keys into store keys.
type Keyspace struct {
	Prefix      string
	ChainSuffix string
}

// DefaultKeyspace returns the pipeline_<id> / pipeline_<id>_chains layout.
func DefaultKeyspace() Keyspace {
	return Keyspace{Prefix: "pipeline_", ChainSuffix: "_chains"}
}

// Encode returns the store key for k.
func (ks Keyspace) Encode(k RunKey) string {
	if k.Chain {
		return ks.Prefix + k.PipelineID + ks.ChainSuffix
	}
	return ks.Prefix + k.PipelineID
}

// Decode parses a store key. Keys outside the prefix are rejected.
func (ks Keyspace) Decode(raw string) (RunKey, bool) {
	id, ok := strings.CutPrefix(raw, ks.Prefix)
	if !ok || id == "" {
		return RunKey{}, false
	}
	if ks.ChainSuffix != "" {
		if parent, chain := strings.CutSuffix(id, ks.ChainSuffix); chain && parent != "" {
			return RunKey{PipelineID: parent, Chain: true}, true
		}
	}
	return RunKey{PipelineID: id}, true
}

// Pattern is the glob matching every key in the keyspace.
func (ks Keyspace) Pattern() string {
	return ks.Prefix + "*"
}
