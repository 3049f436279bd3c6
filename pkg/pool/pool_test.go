package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/control"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/state"
	"github.com/anubissbe/runnerhub/pkg/types"
)

func newTestPool(t *testing.T) (*Pool, *runtime.FakeRuntime, *events.Recorder) {
	t.Helper()
	rt := runtime.NewFakeRuntime()
	rec := events.NewRecorder()
	sm := state.New(rt, rec, config.StateValidation{Enable: false}, config.StateRecovery{Enable: false})
	p := New(rt, sm, rec, config.Pool{MinSize: 2, MaxSize: 10, TargetSize: 2, WarmupContainers: 2}, config.Container{}, 100, time.Hour, 3)
	sm.SetPartitionNotifier(p)
	p.RegisterTemplate(types.Template{Name: "default", BaseImage: "ghcr.io/actions/runner:latest"})
	return p, rt, rec
}

func TestCreateContainerReachesAvailable(t *testing.T) {
	p, _, rec := newTestPool(t)

	id, err := p.CreateContainer(context.Background(), "default")
	require.NoError(t, err)

	c, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StateAvailable, c.State)
	assert.Equal(t, 1, p.AvailableCount())
	assert.Equal(t, 1, rec.Count(events.EventContainerCreated))
}

func TestAcquireAssignsFromAvailable(t *testing.T) {
	p, _, rec := newTestPool(t)
	id, err := p.CreateContainer(context.Background(), "default")
	require.NoError(t, err)

	c, err := p.Acquire(context.Background(), types.JobRequirements{})
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, 1, c.JobCount)
	assert.Equal(t, 0, p.AvailableCount())
	assert.Equal(t, 1, p.BusyCount())
	assert.Equal(t, 1, rec.Count(events.EventContainerAssigned))
}

func TestAcquireFailsWithNoCapacityAndNoScaler(t *testing.T) {
	p, _, _ := newTestPool(t)

	_, err := p.Acquire(context.Background(), types.JobRequirements{})
	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrNoCapacity)
}

func TestReleaseReturnsToAvailable(t *testing.T) {
	p, _, rec := newTestPool(t)
	id, err := p.CreateContainer(context.Background(), "default")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), types.JobRequirements{})
	require.NoError(t, err)

	p.Release(context.Background(), id, types.JobResult{Success: true, DurationMS: 100})

	c, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StateAvailable, c.State)
	assert.Equal(t, 1, p.AvailableCount())
	assert.Equal(t, 1, rec.Count(events.EventContainerReturned))
	assert.Len(t, c.History, 1)
}

func TestReleaseRecyclesOnMaxReuseCount(t *testing.T) {
	p, _, _ := newTestPool(t)
	p.maxReuseCount = 1
	id, err := p.CreateContainer(context.Background(), "default")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), types.JobRequirements{})
	require.NoError(t, err)

	p.Release(context.Background(), id, types.JobResult{Success: true})

	_, ok := p.Get(id)
	assert.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	p, _, rec := newTestPool(t)
	id, err := p.CreateContainer(context.Background(), "default")
	require.NoError(t, err)

	require.NoError(t, p.Remove(context.Background(), id))
	require.NoError(t, p.Remove(context.Background(), id))

	_, ok := p.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.Count(events.EventContainerRemoved))
}

type stubScaler struct {
	requested int
	onRequest func()
}

func (s *stubScaler) RequestScaleUp(ctx context.Context, count int) error {
	s.requested += count
	if s.onRequest != nil {
		s.onRequest()
	}
	return nil
}

func TestAcquireRequestsScaleUpWhenEmpty(t *testing.T) {
	p, _, _ := newTestPool(t)
	scaler := &stubScaler{onRequest: func() {
		go func() {
			_, _ = p.CreateContainer(context.Background(), "default")
		}()
	}}
	p.SetScaleRequester(scaler)

	c, err := p.Acquire(context.Background(), types.JobRequirements{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, scaler.requested)
}
