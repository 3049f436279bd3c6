package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/anubissbe/runnerhub/pkg/types"
)

func newTestWriter(t *testing.T, keepLast int) *BoltWriter {
	t.Helper()
	w, err := NewBoltWriter(t.TempDir(), keepLast)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWriteAndLatestRoundTrips(t *testing.T) {
	w := newTestWriter(t, 10)
	now := time.Now()
	snap := BuildSnapshot(1, now, map[string]types.ContainerState{"c1": types.StateAvailable}, StateMetrics{RejectionCount: 2}, nil, 50)

	require.NoError(t, w.Write(snap))

	got, ok, err := w.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.SequenceID)
	assert.Equal(t, types.StateAvailable, got.Containers["c1"].State)
	assert.EqualValues(t, 2, got.Metrics.RejectionCount)
}

func TestWriteRejectsNonIncreasingSequence(t *testing.T) {
	w := newTestWriter(t, 10)
	now := time.Now()
	require.NoError(t, w.Write(BuildSnapshot(5, now, nil, StateMetrics{}, nil, 50)))

	err := w.Write(BuildSnapshot(5, now, nil, StateMetrics{}, nil, 50))
	assert.Error(t, err)

	err = w.Write(BuildSnapshot(3, now, nil, StateMetrics{}, nil, 50))
	assert.Error(t, err)
}

func TestWritePrunesBeyondKeepLast(t *testing.T) {
	w := newTestWriter(t, 2)
	now := time.Now()
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, w.Write(BuildSnapshot(seq, now, nil, StateMetrics{}, nil, 50)))
	}

	got, ok, err := w.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.SequenceID)

	var keys int
	require.NoError(t, w.db.View(func(tx *bolt.Tx) error {
		keys = tx.Bucket(bucketSnapshots).Stats().KeyN
		return nil
	}))
	assert.Equal(t, 2, keys)
}

func TestBuildSnapshotTrimsTransitionWindow(t *testing.T) {
	now := time.Now()
	transitions := make([]types.TransitionLogEntry, 10)
	for i := range transitions {
		transitions[i] = types.TransitionLogEntry{ContainerID: "c1", Timestamp: now}
	}

	snap := BuildSnapshot(1, now, nil, StateMetrics{}, transitions, 3)
	assert.Len(t, snap.Transitions, 3)
}

func TestLatestOnEmptyDatabaseReturnsFalse(t *testing.T) {
	w := newTestWriter(t, 10)
	_, ok, err := w.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
}
