package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/types"
)

type fakePoolView struct {
	containers []*types.Container
	size       int
	busy       int
	available  int
}

func (f *fakePoolView) Snapshot() []*types.Container { return f.containers }
func (f *fakePoolView) Size() int                    { return f.size }
func (f *fakePoolView) BusyCount() int                { return f.busy }
func (f *fakePoolView) AvailableCount() int           { return f.available }

func newTestMonitor(t *testing.T) (*Monitor, *fakePoolView, *events.Recorder) {
	t.Helper()
	p := &fakePoolView{}
	rec := events.NewRecorder()
	cfg := config.Default()
	m := New(p, runtime.NewFakeRuntime(), rec, cfg)
	return m, p, rec
}

func TestCheckBandRaisesAlertAboveWarning(t *testing.T) {
	m, _, rec := newTestMonitor(t)
	m.checkBand("cpu", 85, config.ThresholdBand{Warning: 80, Critical: 95, Low: 20}, time.Now())
	assert.Equal(t, 1, rec.Count(events.EventAlertGenerated))
}

func TestCheckBandRespectsCooldown(t *testing.T) {
	m, _, rec := newTestMonitor(t)
	band := config.ThresholdBand{Warning: 80, Critical: 95, Low: 20}
	now := time.Now()
	m.checkBand("cpu", 85, band, now)
	m.checkBand("cpu", 86, band, now.Add(time.Second))
	assert.Equal(t, 1, rec.Count(events.EventAlertGenerated))
}

func TestCheckBandWithinBandRaisesNothing(t *testing.T) {
	m, _, rec := newTestMonitor(t)
	m.checkBand("cpu", 50, config.ThresholdBand{Warning: 80, Critical: 95, Low: 20}, time.Now())
	assert.Equal(t, 0, rec.Count(events.EventAlertGenerated))
}

func TestPruneAlertsRemovesExpired(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	m.alertTTL = time.Minute
	now := time.Now()
	m.alerts = []*types.Alert{
		{ID: "old", Timestamp: now.Add(-time.Hour)},
		{ID: "fresh", Timestamp: now},
	}
	m.pruneAlerts(now)
	require.Len(t, m.Alerts(), 1)
	assert.Equal(t, "fresh", m.Alerts()[0].ID)
}

func TestDetectAnomaliesFlagsHighZScore(t *testing.T) {
	m, _, rec := newTestMonitor(t)
	now := time.Now()
	s := &series{}
	for i := 0; i < anomalyMinPoints; i++ {
		s.add(now.Add(time.Duration(i)*time.Second), 50)
	}
	s.add(now.Add(time.Duration(anomalyMinPoints)*time.Second), 500)
	m.systemSeries["cpu"] = s

	m.detectAnomalies(now)
	assert.Equal(t, 1, rec.Count(events.EventAnomalyDetected))
}

func TestDetectAnomaliesSkipsSeriesBelowMinPoints(t *testing.T) {
	m, _, rec := newTestMonitor(t)
	now := time.Now()
	s := &series{}
	s.add(now, 99999)
	m.systemSeries["cpu"] = s

	m.detectAnomalies(now)
	assert.Equal(t, 0, rec.Count(events.EventAnomalyDetected))
}

func TestPredictRequiresMinimumPoints(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	now := time.Now()
	s := &series{}
	for i := 0; i < predictionMinPts-1; i++ {
		s.add(now.Add(time.Duration(i)*time.Second), float64(i))
	}
	m.systemSeries["cpu"] = s

	_, _, ok := m.Predict("cpu", now)
	assert.False(t, ok)
}

func TestPredictProjectsUpwardTrend(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	m.interval = time.Second
	now := time.Now()
	s := &series{}
	for i := 0; i < predictionMinPts; i++ {
		s.add(now.Add(time.Duration(i)*time.Second), float64(i*5))
	}
	m.systemSeries["cpu"] = s

	value, confidence, ok := m.Predict("cpu", now.Add(time.Duration(predictionMinPts)*time.Second))
	require.True(t, ok)
	assert.Greater(t, value, 0.0)
	assert.Equal(t, 1.0, confidence)
}

func TestSuggestPoolUtilizationRules(t *testing.T) {
	m, p, rec := newTestMonitor(t)
	p.size = 10
	p.busy = 1

	m.suggest(types.SystemSample{}, time.Now())
	assert.Equal(t, 1, rec.Count(events.EventOptimizationSuggested))
}

func TestSuggestContainerRecycleOnHighCPU(t *testing.T) {
	m, p, rec := newTestMonitor(t)
	p.containers = []*types.Container{
		{ID: "hot", LastResource: types.ResourceSnapshot{CPUPercent: 99}},
	}

	m.suggest(types.SystemSample{}, time.Now())
	assert.GreaterOrEqual(t, rec.Count(events.EventOptimizationSuggested), 1)
}

func TestAggregatedWindowsComputesAvgMinMax(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	now := time.Now()
	s := &series{}
	s.add(now.Add(-30*time.Second), 10)
	s.add(now.Add(-20*time.Second), 20)
	s.add(now.Add(-10*time.Second), 30)
	m.systemSeries["cpu"] = s

	windows := m.AggregatedWindows("cpu", now)
	require.NotNil(t, windows)
	w1m := windows["1m"]
	assert.Equal(t, 3, w1m.Count)
	assert.InDelta(t, 20, w1m.Avg, 0.001)
	assert.Equal(t, 10.0, w1m.Min)
	assert.Equal(t, 30.0, w1m.Max)
}

func TestSampleContainerComputesPercentagesFromStats(t *testing.T) {
	fr := runtime.NewFakeRuntime()
	fr.StatsByID = map[string]runtime.StatsResult{
		"c1": {CPUUsageNanos: 500_000_000, MemoryUsed: 900, MemoryCache: 100, MemoryLimit: 1000},
	}
	m, p, _ := newTestMonitor(t)
	m.runtime = fr
	p.containers = []*types.Container{
		{ID: "c1", Limits: types.ResourceLimits{CPUNanos: 1_000_000_000}},
	}

	m.sampleContainer(context.Background(), p.containers[0], time.Now())
	assert.InDelta(t, 50, p.containers[0].LastResource.CPUPercent, 0.001)
	assert.EqualValues(t, 900, p.containers[0].LastResource.MemoryUsed)
}
