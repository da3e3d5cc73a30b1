package coord

import (
	"sort"

	"github.com/ajslaghu/open-agenda-api/internal/hash/sha256"
)

// Verdict reasons.
const (
	ReasonReady       = "all pipelines done"
	ReasonNoPipelines = "no pipelines tracked"
	ReasonPending     = "pipelines pending"
	ReasonMixed       = "pipelines finished different generations"
)

// Pending reasons for a single pipeline.
const (
	PendingChainOpen     = "chain open"
	PendingRunning       = "running"
	PendingStatusMissing = "status missing"
	PendingStale         = "older generation"
)

// Snapshot is a point-in-time view of the run keyspace.
type Snapshot struct {
	Keys []RunKey
	// Statuses holds the stored status of non-chain keys by pipeline id.
	// A key whose value could not be read is absent.
	Statuses map[string]Status
	// Versions holds the build version recorded with each status, when one
	// was written.
	Versions map[string]string
}

// Fingerprint identifies the snapshot contents independent of key order.
func (s Snapshot) Fingerprint() string {
	parts := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		entry := "run:" + k.PipelineID
		if k.Chain {
			entry = "chain:" + k.PipelineID
		} else {
			entry += "=" + EncodeStatus(s.Statuses[k.PipelineID], s.Versions[k.PipelineID])
		}
		parts = append(parts, entry)
	}
	sort.Strings(parts)
	return sha256.New().HashParts(parts...)
}

// PendingRun names a pipeline that blocks readiness.
type PendingRun struct {
	PipelineID string `json:"pipeline_id"`
	Reason     string `json:"reason"`
}

// Verdict is the result of evaluating a snapshot.
type Verdict struct {
	Ready     bool         `json:"ready"`
	Reason    string       `json:"reason"`
	Pipelines int          `json:"pipelines"`
	Pending   []PendingRun `json:"pending,omitempty"`
	// Version is the generation every pipeline completed. It is set only on
	// a ready verdict and empty when the statuses carry no version.
	Version string `json:"version,omitempty"`
}

// Evaluate decides readiness. It is ready only when at least one pipeline is
// tracked, no chain key exists, every pipeline status is done, and every
// pipeline finished the same generation. A pipeline whose last completed run
// wrote an older generation than the others holds readiness back, so a run
// over a subset of sources never makes a partial generation eligible.
func Evaluate(snap Snapshot) Verdict {
	if len(snap.Keys) == 0 {
		return Verdict{Reason: ReasonNoPipelines}
	}

	pipelines := make(map[string]struct{})
	chains := make(map[string]struct{})
	for _, k := range snap.Keys {
		pipelines[k.PipelineID] = struct{}{}
		if k.Chain {
			chains[k.PipelineID] = struct{}{}
		}
	}

	var pending []PendingRun
	for id := range pipelines {
		if _, open := chains[id]; open {
			pending = append(pending, PendingRun{PipelineID: id, Reason: PendingChainOpen})
			continue
		}
		status, ok := snap.Statuses[id]
		switch {
		case !ok:
			pending = append(pending, PendingRun{PipelineID: id, Reason: PendingStatusMissing})
		case status == StatusRunning:
			pending = append(pending, PendingRun{PipelineID: id, Reason: PendingRunning})
		case status != StatusDone:
			pending = append(pending, PendingRun{PipelineID: id, Reason: "unexpected status " + string(status)})
		}
	}
	v := Verdict{Pipelines: len(pipelines)}
	if len(pending) > 0 {
		v.Reason = ReasonPending
		v.Pending = sortPending(pending)
		return v
	}

	newest := ""
	for id := range pipelines {
		if version := snap.Versions[id]; version > newest {
			newest = version
		}
	}
	for id := range pipelines {
		if snap.Versions[id] != newest {
			pending = append(pending, PendingRun{PipelineID: id, Reason: PendingStale})
		}
	}
	if len(pending) > 0 {
		v.Reason = ReasonMixed
		v.Pending = sortPending(pending)
		return v
	}
	v.Ready = true
	v.Reason = ReasonReady
	v.Version = newest
	return v
}

func sortPending(pending []PendingRun) []PendingRun {
	sort.Slice(pending, func(i, j int) bool { return pending[i].PipelineID < pending[j].PipelineID })
	return pending
}
