package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/storage"
	"github.com/anubissbe/runnerhub/pkg/types"
)

func testTemplate() types.Template {
	return types.Template{Name: "default", BaseImage: "ghcr.io/actions/runner:latest"}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pool.MinSize = 1
	cfg.Pool.TargetSize = 1
	cfg.Pool.WarmupContainers = 1
	cfg.Scaler.Timing.Interval = time.Hour
	cfg.Monitor.Interval = time.Hour
	cfg.StateValidation.Interval = time.Hour
	cfg.Coordinator.HealthInterval = time.Hour
	cfg.Coordinator.OptimizationInterval = time.Hour
	cfg.DataDir = ""
	return cfg
}

func TestNewWiresComponentsAndAcquireReleaseWorks(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := New(testConfig(), rt, testTemplate())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx, time.Second)

	container, err := c.Acquire(ctx, types.JobRequirements{Template: "default"})
	require.NoError(t, err)
	require.NotNil(t, container)
	assert.Equal(t, types.StateBusy, container.State)

	c.Release(ctx, container.ID, types.JobResult{Success: true, DurationMS: 10})

	status := c.Status()
	assert.Equal(t, 1, status.PoolSize)
}

func TestCancelRecyclesContainer(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := New(testConfig(), rt, testTemplate())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx, time.Second)

	container, err := c.Acquire(ctx, types.JobRequirements{Template: "default"})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, container.ID))
}

func TestHealthReportsAllComponentsAfterStart(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := New(testConfig(), rt, testTemplate())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx, time.Second)

	report := c.Health()
	assert.True(t, report.Overall)
	for _, name := range []string{"pool", "state", "scaler", "optimizer", "monitor"} {
		h, ok := report.Components[name]
		require.True(t, ok, name)
		assert.True(t, h.Healthy, name)
	}
}

func TestHealthReportsNotStartedBeforeStart(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := New(testConfig(), rt, testTemplate())

	report := c.Health()
	assert.False(t, report.Overall)
}

func TestEmergencyStopRemovesAllContainers(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := New(testConfig(), rt, testTemplate())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx, time.Second)

	c.EmergencyStop(ctx)
	assert.Equal(t, 0, c.pool.Size())
}

func TestReactRecyclesContainerOnHighSeverityAnomaly(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	c := New(testConfig(), rt, testTemplate())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx, time.Second)

	container, err := c.Acquire(ctx, types.JobRequirements{Template: "default"})
	require.NoError(t, err)
	c.Release(ctx, container.ID, types.JobResult{Success: true})

	c.react(ctx, &events.Event{
		Type:     events.EventAnomalyDetected,
		Metadata: map[string]string{"high_severity": "true", "container_id": container.ID},
	})

	deadline := time.After(time.Second)
	for {
		if _, ok := c.state.Get(container.ID); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("container was never untracked after recycle")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestReactTriggersScaleDownOnCriticalAlert(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	cfg := testConfig()
	c := New(cfg, rt, testTemplate())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx, time.Second)

	before := c.pool.Size()
	c.react(ctx, &events.Event{
		Type:     events.EventAlertGenerated,
		Metadata: map[string]string{"severity": "critical", "resource_key": "cpu"},
	})

	assert.LessOrEqual(t, c.pool.Size(), before)
}

func TestPersistSnapshotWritesToConfiguredDataDir(t *testing.T) {
	rt := runtime.NewFakeRuntime()
	cfg := testConfig()
	dataDir := t.TempDir()
	cfg.DataDir = dataDir
	c := New(cfg, rt, testTemplate())
	require.NotNil(t, c.store)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	c.Stop(ctx, time.Second)

	reopened, err := storage.NewBoltWriter(dataDir, 20)
	require.NoError(t, err)
	defer reopened.Close()

	_, ok, err := reopened.Latest()
	require.NoError(t, err)
	assert.True(t, ok)
}
