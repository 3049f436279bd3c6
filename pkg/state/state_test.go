package state

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
	"github.com/anubissbe/runnerhub/pkg/types"
)

func newTestManager() (*Manager, *runtime.FakeRuntime, *events.Recorder) {
	rt := runtime.NewFakeRuntime()
	rec := events.NewRecorder()
	validation := config.StateValidation{Enable: false}
	recovery := config.StateRecovery{Enable: false, Timeout: 10 * time.Millisecond, MaxAttempts: 2}
	return New(rt, rec, validation, recovery), rt, rec
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  types.ContainerState
		to    types.ContainerState
		valid bool
	}{
		{"initializing to created", types.StateInitializing, types.StateCreated, true},
		{"initializing to running invalid", types.StateInitializing, types.StateRunning, false},
		{"available to busy", types.StateAvailable, types.StateBusy, true},
		{"busy to available", types.StateBusy, types.StateAvailable, true},
		{"stopped to starting", types.StateStopped, types.StateStarting, true},
		{"failed to recycling", types.StateFailed, types.StateRecycling, true},
		{"recycling to initializing", types.StateRecycling, types.StateInitializing, true},
		{"recycling to available invalid", types.StateRecycling, types.StateAvailable, false},
		{"unknown to initializing", types.StateUnknown, types.StateInitializing, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m, _, rec := newTestManager()
	m.Track("c1", types.StateInitializing)

	err := m.Transition(context.Background(), "c1", types.StateRunning, "bad edge")
	require.ErrorIs(t, err, control.ErrInvalidTransition)
	assert.EqualValues(t, 1, m.RejectionCount())

	state, ok := m.Get("c1")
	require.True(t, ok)
	assert.Equal(t, types.StateInitializing, state)
	assert.Equal(t, 1, rec.Count(events.EventInvalidTransition))
}

func TestTransitionAppliesValidEdge(t *testing.T) {
	m, _, rec := newTestManager()
	m.Track("c1", types.StateInitializing)

	err := m.Transition(context.Background(), "c1", types.StateCreated, "created by pool")
	require.NoError(t, err)

	state, ok := m.Get("c1")
	require.True(t, ok)
	assert.Equal(t, types.StateCreated, state)
	assert.Equal(t, 1, rec.Count(events.EventStateTransitioned))

	log := m.TransitionLog()
	require.Len(t, log, 1)
	assert.Equal(t, "c1", log[0].ContainerID)
	assert.False(t, log[0].Forced)
}

func TestForceTransitionBypassesTable(t *testing.T) {
	m, _, _ := newTestManager()
	m.Track("c1", types.StateInitializing)

	err := m.ForceTransition(context.Background(), "c1", types.StateFailed, "operator override")
	require.NoError(t, err)

	state, ok := m.Get("c1")
	require.True(t, ok)
	assert.Equal(t, types.StateFailed, state)

	log := m.TransitionLog()
	require.Len(t, log, 1)
	assert.True(t, log[0].Forced)
}

type fakeNotifier struct {
	available []string
	busy      []string
}

func (f *fakeNotifier) NotifyAvailable(id string) { f.available = append(f.available, id) }
func (f *fakeNotifier) NotifyBusy(id string)       { f.busy = append(f.busy, id) }

func TestTransitionNotifiesPartitions(t *testing.T) {
	m, _, _ := newTestManager()
	notifier := &fakeNotifier{}
	m.SetPartitionNotifier(notifier)

	m.Track("c1", types.StateRunning)
	require.NoError(t, m.Transition(context.Background(), "c1", types.StateAvailable, "ready"))
	require.NoError(t, m.Transition(context.Background(), "c1", types.StateBusy, "assigned"))

	assert.Equal(t, []string{"c1"}, notifier.available)
	assert.Equal(t, []string{"c1"}, notifier.busy)
}

func TestReconcileDetectsOrphan(t *testing.T) {
	m, rt, _ := newTestManager()
	id, err := rt.Create(context.Background(), types.Template{Name: "default"}, "orphan-1")
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background(), id))

	require.NoError(t, m.Reconcile(context.Background()))

	state, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StateUnknown, state)
}

func TestReconcileCorrectsMismatch(t *testing.T) {
	m, rt, _ := newTestManager()
	m.validation.AutoCorrect = true

	id, err := rt.Create(context.Background(), types.Template{Name: "default"}, "c1")
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background(), id))
	m.Track(id, types.StateStarting)

	require.NoError(t, m.Reconcile(context.Background()))

	state, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StateRunning, state)
}

func TestReconcileIgnoresCompatibleStates(t *testing.T) {
	m, rt, _ := newTestManager()
	m.validation.AutoCorrect = true

	id, err := rt.Create(context.Background(), types.Template{Name: "default"}, "c1")
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background(), id))
	m.Track(id, types.StateAvailable)

	require.NoError(t, m.Reconcile(context.Background()))

	state, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StateAvailable, state)
}
