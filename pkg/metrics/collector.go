package metrics

import (
	"time"

	"github.com/anubissbe/runnerhub/pkg/types"
)

// poolView is the subset of pool.Pool the collector polls for gauges.
type poolView interface {
	Snapshot() []*types.Container
	AvailableCount() int
	BusyCount() int
}

// stateView is the subset of state.Manager the collector polls.
type stateView interface {
	RejectionCount() int64
}

// alertsView is the subset of monitor.Monitor the collector polls.
type alertsView interface {
	Alerts() []*types.Alert
}

// Collector periodically polls live pool/state/monitor data and updates
// the package's gauges. Counters and histograms (ScalingDecisionsTotal,
// ReuseScore, ContainerCreateDuration, AnomaliesTotal, ...) are recorded
// directly by the scaler, optimizer, pool, and monitor at the moment the
// event occurs rather than through polling.
type Collector struct {
	pool   poolView
	state  stateView
	alerts alertsView
	stopCh chan struct{}
}

// NewCollector builds a Collector over the given live components.
func NewCollector(pool poolView, state stateView, alerts alertsView) *Collector {
	return &Collector{pool: pool, state: state, alerts: alerts, stopCh: make(chan struct{})}
}

// Start begins polling on a 15-second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectContainerMetrics()
	c.collectStateMetrics()
	c.collectAlertMetrics()
}

func (c *Collector) collectContainerMetrics() {
	counts := make(map[types.ContainerState]int)
	for _, ctr := range c.pool.Snapshot() {
		counts[ctr.State]++
	}
	for _, state := range types.AllContainerStates {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	PoolAvailable.Set(float64(c.pool.AvailableCount()))
	PoolBusy.Set(float64(c.pool.BusyCount()))
}

func (c *Collector) collectStateMetrics() {
	StateRejectionsTotal.Set(float64(c.state.RejectionCount()))
}

func (c *Collector) collectAlertMetrics() {
	counts := map[types.AlertSeverity]int{}
	for _, a := range c.alerts.Alerts() {
		counts[a.Severity]++
	}
	for _, severity := range []types.AlertSeverity{types.SeverityInfo, types.SeverityWarning, types.SeverityCritical} {
		AlertsActive.WithLabelValues(string(severity)).Set(float64(counts[severity]))
	}
}
