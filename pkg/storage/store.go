// Package storage persists periodic state-manager snapshots to BoltDB so a
// restarted coordinator can recover the pool's last known shape.
package storage

import (
	"time"

	"github.com/anubissbe/runnerhub/pkg/types"
)

// ContainerRecord is one container's persisted state at snapshot time.
type ContainerRecord struct {
	State     types.ContainerState `json:"state"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// StateMetrics summarizes the pool's state distribution and transition
// bookkeeping at snapshot time.
type StateMetrics struct {
	Distribution    map[types.ContainerState]int `json:"distribution"`
	TransitionCount int                           `json:"transition_count"`
	RejectionCount  int64                         `json:"rejection_count"`
}

// Snapshot is a single persisted document: a monotonic sequence id, a
// capture timestamp, the per-container state table, aggregate state
// metrics, and the last N transitions.
type Snapshot struct {
	SequenceID  uint64                     `json:"sequence_id"`
	CapturedAt  time.Time                  `json:"captured_at"`
	Containers  map[string]ContainerRecord `json:"containers"`
	Metrics     StateMetrics               `json:"metrics"`
	Transitions []types.TransitionLogEntry `json:"transitions"`
}

// Writer persists snapshots and recovers the most recent one written.
type Writer interface {
	Write(snap Snapshot) error
	Latest() (Snapshot, bool, error)
	Close() error
}

// BuildSnapshot assembles a Snapshot from live pool/state data. seq must be
// strictly increasing across calls; callers typically source it from a
// simple counter kept alongside the writer.
func BuildSnapshot(seq uint64, now time.Time, containers map[string]types.ContainerState, metrics StateMetrics, transitions []types.TransitionLogEntry, transitionWindow int) Snapshot {
	records := make(map[string]ContainerRecord, len(containers))
	for id, state := range containers {
		records[id] = ContainerRecord{State: state, UpdatedAt: now}
	}

	if len(transitions) > transitionWindow {
		transitions = transitions[len(transitions)-transitionWindow:]
	}

	return Snapshot{
		SequenceID:  seq,
		CapturedAt:  now,
		Containers:  records,
		Metrics:     metrics,
		Transitions: transitions,
	}
}
