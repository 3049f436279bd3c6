package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/control"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/types"
)

type fakePool struct {
	containers []*types.Container
	recycled   []string
}

func (f *fakePool) Snapshot() []*types.Container { return f.containers }
func (f *fakePool) Recycle(ctx context.Context, id string) error {
	f.recycled = append(f.recycled, id)
	return nil
}

func defaultCfg() config.Optimizer {
	return config.Optimizer{
		MaxReuseCount:       100,
		MaxContainerAge:     time.Hour,
		PreemptiveThreshold: 0.7,
		Weights:             config.OptimizerWeights{Pattern: 0.4, Perf: 0.3, Res: 0.3},
	}
}

func TestSelectReturnsErrNoCapacityWhenEmpty(t *testing.T) {
	o := New(&fakePool{}, events.NewRecorder(), defaultCfg())
	_, err := o.Select(nil, types.JobRequirements{})
	require.ErrorIs(t, err, control.ErrNoCapacity)
}

func TestSelectPrefersMatchingFingerprintHistory(t *testing.T) {
	o := New(&fakePool{}, events.NewRecorder(), defaultCfg())

	target := types.Fingerprint{JobType: "test", Language: "go", Framework: "none"}
	matching := &types.Container{
		ID:        "matches",
		CreatedAt: time.Now(),
		History: []types.HistoryEntry{
			{Fingerprint: target, Success: true, Duration: time.Second},
		},
	}
	nonMatching := &types.Container{
		ID:        "no-match",
		CreatedAt: time.Now(),
		History: []types.HistoryEntry{
			{Fingerprint: types.Fingerprint{JobType: "build", Language: "rust"}, Success: true, Duration: time.Second},
		},
	}

	chosen, err := o.Select([]*types.Container{nonMatching, matching}, types.JobRequirements{Fingerprint: target})
	require.NoError(t, err)
	assert.Equal(t, "matches", chosen.ID)
}

func TestSelectNeutralScoreForEmptyHistory(t *testing.T) {
	o := New(&fakePool{}, events.NewRecorder(), defaultCfg())
	c := &types.Container{ID: "fresh", CreatedAt: time.Now()}

	assert.InDelta(t, 0.5, patternScore(c, types.Fingerprint{}), 0.001)
	assert.InDelta(t, 0.5, perfScore(c), 0.001)
}

func TestShouldRecycleOnMaxReuseCount(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxReuseCount = 5
	o := New(&fakePool{}, events.NewRecorder(), cfg)

	c := &types.Container{ID: "c1", CreatedAt: time.Now(), JobCount: 5}
	assert.True(t, o.ShouldRecycle(c))
}

func TestShouldRecycleOnMaxAge(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxContainerAge = time.Millisecond
	o := New(&fakePool{}, events.NewRecorder(), cfg)

	c := &types.Container{ID: "c1", CreatedAt: time.Now().Add(-time.Hour)}
	assert.True(t, o.ShouldRecycle(c))
}

func TestShouldRecycleOnLowEfficiency(t *testing.T) {
	cfg := defaultCfg()
	cfg.PreemptiveThreshold = 0.9
	o := New(&fakePool{}, events.NewRecorder(), cfg)

	history := make([]types.HistoryEntry, 0, 11)
	for i := 0; i < 11; i++ {
		history = append(history, types.HistoryEntry{Success: false, Duration: time.Minute})
	}
	c := &types.Container{ID: "c1", CreatedAt: time.Now(), JobCount: 11, History: history}
	assert.True(t, o.ShouldRecycle(c))
}

func TestSweepRecyclesFlaggedContainers(t *testing.T) {
	fp := &fakePool{}
	cfg := defaultCfg()
	cfg.MaxReuseCount = 1
	o := New(fp, events.NewRecorder(), cfg)

	fp.containers = []*types.Container{
		{ID: "stale", State: types.StateAvailable, CreatedAt: time.Now(), JobCount: 5},
		{ID: "fresh", State: types.StateAvailable, CreatedAt: time.Now(), JobCount: 0},
	}

	o.Sweep(context.Background())
	assert.Equal(t, []string{"stale"}, fp.recycled)
}

func TestJaccardIdenticalSets(t *testing.T) {
	a := stringSet([]string{"x", "y"})
	b := stringSet([]string{"x", "y"})
	assert.Equal(t, 1.0, jaccard(a, b))
}

func TestJaccardDisjointSets(t *testing.T) {
	a := stringSet([]string{"x"})
	b := stringSet([]string{"y"})
	assert.Equal(t, 0.0, jaccard(a, b))
}
