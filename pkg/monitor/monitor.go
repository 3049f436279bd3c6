// Package monitor implements ResourceMonitor: periodic system
// and per-container sampling, rolling aggregation windows, threshold
// alerting, z-score anomaly detection, OLS-slope prediction, and rule-based
// optimization suggestions.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/types"
)

// anomalyMinPoints and the z-score bands are fixed constants, not
// configuration.
const (
	anomalyMinPoints = 20
	anomalyZWarn     = 2.5
	anomalyZHigh     = 3.0
	predictionMinPts = 10
	predictionWindow = 10
	windowWidth1Min  = time.Minute
	windowWidth5Min  = 5 * time.Minute
	windowWidth15Min = 15 * time.Minute
	windowWidth1Hour = time.Hour
)

// poolView is the subset of pool.Pool the monitor samples and reports
// suggestions against.
type poolView interface {
	Snapshot() []*types.Container
	Size() int
	BusyCount() int
	AvailableCount() int
}

// Monitor samples system and per-container resource usage on an interval,
// maintains bounded series with rolling aggregation, and raises alerts,
// anomalies, and optimization suggestions to the event sink.
type Monitor struct {
	pool    poolView
	runtime runtime.ContainerRuntime
	sink    events.Sink

	interval      time.Duration
	thresholds    config.Thresholds
	alertTTL      time.Duration
	alertCooldown time.Duration

	logger zerolog.Logger

	mu              sync.Mutex
	systemSeries    map[string]*series
	containerSeries map[string]map[string]*series
	alerts          []*types.Alert
	lastAlertAt     map[string]time.Time

	stopCh chan struct{}
}

// New constructs a Monitor. cfg.Monitor carries the sampling interval and
// alert TTL/cooldown; cfg.Thresholds carries the per-resource alert bands.
func New(p poolView, rt runtime.ContainerRuntime, sink events.Sink, cfg config.Config) *Monitor {
	return &Monitor{
		pool:            p,
		runtime:         rt,
		sink:            sink,
		interval:        cfg.Monitor.Interval,
		thresholds:      cfg.Thresholds,
		alertTTL:        cfg.Monitor.AlertTTL,
		alertCooldown:   cfg.Monitor.AlertCooldown,
		logger:          log.WithComponent("monitor"),
		systemSeries:    make(map[string]*series),
		containerSeries: make(map[string]map[string]*series),
		lastAlertAt:     make(map[string]time.Time),
		stopCh:          make(chan struct{}),
	}
}

// Sample runs one system and per-container sampling pass, then evaluates
// thresholds, anomalies, and suggestions against the freshly updated
// series.
func (m *Monitor) Sample(ctx context.Context) {
	now := time.Now()

	sys := m.sampleSystem(ctx, now)
	m.recordSystemSample(sys, now)

	containers := m.pool.Snapshot()
	for _, c := range containers {
		m.sampleContainer(ctx, c, now)
	}

	m.evaluateThresholds(sys, now)
	m.detectAnomalies(now)
	m.suggest(sys, now)
	m.pruneAlerts(now)

	if m.sink != nil {
		m.sink.Publish(&events.Event{Type: events.EventMonitoringCompleted, Message: fmt.Sprintf("sampled %d containers", len(containers))})
	}
}

func (m *Monitor) sampleSystem(ctx context.Context, now time.Time) types.SystemSample {
	sample := types.SystemSample{Timestamp: now}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Debug().Err(err).Msg("memory sample failed")
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		sample.DiskPercent = du.UsedPercent
	} else {
		m.logger.Debug().Err(err).Msg("disk sample failed")
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		cores := float64(numCPU())
		if cores > 0 {
			sample.LoadAverage = avg.Load1 / cores
		}
	} else {
		m.logger.Debug().Err(err).Msg("load sample failed")
	}

	if pids, err := process.PidsWithContext(ctx); err == nil {
		sample.ProcessCount = len(pids)
	}

	return sample
}

func numCPU() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts == 0 {
		return 1
	}
	return counts
}

func (m *Monitor) recordSystemSample(s types.SystemSample, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seriesFor("cpu").add(now, s.CPUPercent)
	m.seriesFor("memory").add(now, s.MemoryPercent)
	m.seriesFor("disk").add(now, s.DiskPercent)
	m.seriesFor("load").add(now, s.LoadAverage)
}

func (m *Monitor) seriesFor(key string) *series {
	s, ok := m.systemSeries[key]
	if !ok {
		s = &series{}
		m.systemSeries[key] = s
	}
	return s
}

// sampleContainer reads the runtime's stats for c and records CPU%/memory%
// series. A stat read failure yields a debug log and the sample is skipped.
func (m *Monitor) sampleContainer(ctx context.Context, c *types.Container, now time.Time) {
	if m.runtime == nil {
		return
	}
	stats, err := m.runtime.Stats(ctx, c.ID)
	if err != nil {
		m.logger.Debug().Err(err).Str("container_id", c.ID).Msg("stats sample failed")
		return
	}

	cpuPercent := 0.0
	memPercent := 0.0
	if c.Limits.CPUNanos > 0 {
		cpuPercent = float64(stats.CPUUsageNanos) / float64(c.Limits.CPUNanos) * 100
	}
	if stats.MemoryLimit > 0 {
		memPercent = float64(stats.MemoryUsed-stats.MemoryCache) / float64(stats.MemoryLimit) * 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.containerSeries[c.ID]
	if !ok {
		cs = make(map[string]*series)
		m.containerSeries[c.ID] = cs
	}
	if _, ok := cs["cpu"]; !ok {
		cs["cpu"] = &series{}
	}
	if _, ok := cs["memory"]; !ok {
		cs["memory"] = &series{}
	}
	cs["cpu"].add(now, cpuPercent)
	cs["memory"].add(now, memPercent)

	c.LastResource = types.ResourceSnapshot{
		CPUPercent:    cpuPercent,
		MemoryUsed:    stats.MemoryUsed,
		MemoryLimit:   stats.MemoryLimit,
		NetRxBytes:    stats.NetRxBytes,
		NetTxBytes:    stats.NetTxBytes,
		BlkReadBytes:  stats.BlkReadBytes,
		BlkWriteBytes: stats.BlkWriteBytes,
		PIDs:          stats.PIDs,
		SampledAt:     now,
	}
}

// AggregatedWindows returns the 1m/5m/15m/1h rolling aggregates for a
// system series key ("cpu", "memory", "disk", "load").
func (m *Monitor) AggregatedWindows(key string, now time.Time) map[string]types.AggregatedWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.systemSeries[key]
	if !ok {
		return nil
	}
	return map[string]types.AggregatedWindow{
		"1m":  aggregate(s.since(windowWidth1Min, now)),
		"5m":  aggregate(s.since(windowWidth5Min, now)),
		"15m": aggregate(s.since(windowWidth15Min, now)),
		"1h":  aggregate(s.since(windowWidth1Hour, now)),
	}
}

func (m *Monitor) evaluateThresholds(sys types.SystemSample, now time.Time) {
	m.checkBand("cpu", sys.CPUPercent, m.thresholds.CPU, now)
	m.checkBand("memory", sys.MemoryPercent, m.thresholds.Memory, now)
	m.checkBand("disk", sys.DiskPercent, m.thresholds.Disk, now)
}

func (m *Monitor) checkBand(key string, value float64, band config.ThresholdBand, now time.Time) {
	var severity types.AlertSeverity
	switch {
	case value >= band.Critical:
		severity = types.SeverityCritical
	case value >= band.Warning:
		severity = types.SeverityWarning
	case value <= band.Low:
		severity = types.SeverityInfo
	default:
		return
	}
	m.raiseAlert(key, severity, fmt.Sprintf("%s at %.1f crossed %s band", key, value, severity), now)
}

func (m *Monitor) raiseAlert(resourceKey string, severity types.AlertSeverity, message string, now time.Time) {
	cooldownKey := resourceKey + ":" + string(severity)

	m.mu.Lock()
	last, seen := m.lastAlertAt[cooldownKey]
	if seen && now.Sub(last) < m.alertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlertAt[cooldownKey] = now
	alert := &types.Alert{
		ID:          fmt.Sprintf("%s-%d", cooldownKey, now.UnixNano()),
		Timestamp:   now,
		ResourceKey: resourceKey,
		Severity:    severity,
		Message:     message,
	}
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	m.logger.Warn().Str("resource", resourceKey).Str("severity", string(severity)).Msg(message)
	if m.sink != nil {
		m.sink.Publish(&events.Event{
			Type:     events.EventAlertGenerated,
			Message:  message,
			Metadata: map[string]string{"resource_key": resourceKey, "severity": string(severity)},
		})
	}
}

func (m *Monitor) pruneAlerts(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if now.Sub(a.Timestamp) <= m.alertTTL {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
}

// Alerts returns the currently retained (non-pruned) alerts.
func (m *Monitor) Alerts() []*types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Monitor) detectAnomalies(now time.Time) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.systemSeries))
	for k := range m.systemSeries {
		keys = append(keys, k)
	}
	containerIDs := make([]string, 0, len(m.containerSeries))
	for id := range m.containerSeries {
		containerIDs = append(containerIDs, id)
	}
	m.mu.Unlock()

	for _, key := range keys {
		if anomaly, ok := m.checkSeriesAnomaly(m.systemSeries[key], now); ok {
			anomaly.SeriesKey = key
			m.publishAnomaly(anomaly, "")
		}
	}

	for _, id := range containerIDs {
		m.mu.Lock()
		cs := m.containerSeries[id]
		m.mu.Unlock()
		for key, s := range cs {
			if anomaly, ok := m.checkSeriesAnomaly(s, now); ok {
				anomaly.SeriesKey = key
				m.publishAnomaly(anomaly, id)
			}
		}
	}
}

func (m *Monitor) checkSeriesAnomaly(s *series, now time.Time) (types.Anomaly, bool) {
	m.mu.Lock()
	if len(s.points) < anomalyMinPoints {
		m.mu.Unlock()
		return types.Anomaly{}, false
	}
	mean := s.mean()
	stddev := s.stddev(mean)
	latest, ok := s.latest()
	m.mu.Unlock()
	if !ok || stddev == 0 {
		return types.Anomaly{}, false
	}

	z := math.Abs(latest-mean) / stddev
	if z <= anomalyZWarn {
		return types.Anomaly{}, false
	}
	return types.Anomaly{
		Value:        latest,
		ZScore:       z,
		HighSeverity: z > anomalyZHigh,
		DetectedAt:   now,
	}, true
}

func (m *Monitor) publishAnomaly(a types.Anomaly, containerID string) {
	severity := "warning"
	if a.HighSeverity {
		severity = "critical"
	}
	metrics.AnomaliesTotal.WithLabelValues(a.SeriesKey, severity).Inc()

	if m.sink == nil {
		return
	}
	metadata := map[string]string{
		"series_key":    a.SeriesKey,
		"high_severity": fmt.Sprintf("%t", a.HighSeverity),
	}
	if containerID != "" {
		metadata["container_id"] = containerID
	}
	m.sink.Publish(&events.Event{
		Type:     events.EventAnomalyDetected,
		Message:  fmt.Sprintf("%s anomaly: z=%.2f value=%.2f", a.SeriesKey, a.ZScore, a.Value),
		Metadata: metadata,
	})
}

// Predict projects a system series forward using an OLS slope over the
// last predictionWindow points. Returns ok=false if fewer than
// predictionMinPts points are available.
func (m *Monitor) Predict(key string, now time.Time) (value, confidence float64, ok bool) {
	m.mu.Lock()
	s, exists := m.systemSeries[key]
	if !exists || len(s.points) < predictionMinPts {
		m.mu.Unlock()
		return 0, 0, false
	}
	window := s.points
	if len(window) > predictionWindow {
		window = window[len(window)-predictionWindow:]
	}
	last := window[len(window)-1].at
	interval := m.interval
	slope := olsSlope(window)
	lastValue := window[len(window)-1].value
	n := len(s.points)
	m.mu.Unlock()

	deltaT := now.Sub(last)
	intervalSeconds := interval.Seconds()
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	projected := lastValue + slope*(deltaT.Seconds()/intervalSeconds)
	projected = math.Max(0, math.Min(100, projected))
	confidence = math.Min(1, float64(n)/float64(predictionMinPts))
	return projected, confidence, true
}

// suggest applies the rule-based optimization-suggestion table.
func (m *Monitor) suggest(sys types.SystemSample, now time.Time) {
	if sys.CPUPercent > 90 {
		m.publishSuggestion("scale_down", "system", "system cpu above 90", now)
	}
	if sys.MemoryPercent > 90 {
		m.publishSuggestion("memory_optimization", "system", "system memory above 90", now)
	}

	for _, c := range m.pool.Snapshot() {
		if c.LastResource.CPUPercent > 95 {
			m.publishSuggestion("recycle", c.ID, "container cpu above 95", now)
			continue
		}
		memPercent := 0.0
		if c.LastResource.MemoryLimit > 0 {
			memPercent = float64(c.LastResource.MemoryUsed) / float64(c.LastResource.MemoryLimit) * 100
		}
		if memPercent > 95 {
			m.publishSuggestion("recycle", c.ID, "container memory above 95", now)
		}
	}

	poolSize := m.pool.Size()
	if poolSize > 0 {
		utilPercent := float64(m.pool.BusyCount()) / float64(poolSize) * 100
		if utilPercent < 30 {
			m.publishSuggestion("scale_down", "pool", "pool utilization below 30", now)
		} else if utilPercent > 85 {
			m.publishSuggestion("scale_up", "pool", "pool utilization above 85", now)
		}
	}
}

func (m *Monitor) publishSuggestion(kind, target, reason string, now time.Time) {
	if m.sink == nil {
		return
	}
	s := types.Suggestion{
		ID:          fmt.Sprintf("%s-%s-%d", kind, target, now.Unix()),
		Kind:        kind,
		Target:      target,
		Reason:      reason,
		GeneratedAt: now,
	}
	m.sink.Publish(&events.Event{
		Type:     events.EventOptimizationSuggested,
		Message:  reason,
		Metadata: map[string]string{"kind": s.Kind, "target": s.Target, "suggestion_id": s.ID},
	})
}

// Start runs Sample on the configured interval until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample(ctx)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}
