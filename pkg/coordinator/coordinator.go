// Package coordinator implements Coordinator: it initializes
// the pool, state manager, optimizer, scaler, and monitor in order, wires
// them together, runs the health and cross-component optimization loops,
// reacts to alerts and anomalies, and exposes the public Acquire, Release,
// Cancel, Status, Health, and EmergencyStop operations.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/monitor"
	"github.com/anubissbe/runnerhub/pkg/optimizer"
	"github.com/anubissbe/runnerhub/pkg/pool"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/scaler"
	"github.com/anubissbe/runnerhub/pkg/state"
	"github.com/anubissbe/runnerhub/pkg/storage"
	"github.com/anubissbe/runnerhub/pkg/types"
)

// invalidTransitionTrigger is the rejection-count threshold past which the
// cross-component optimization cycle forces a state-validation pass.
const invalidTransitionTrigger = 10

// snapshotTransitionWindow bounds how many recent transitions each
// persisted snapshot carries.
const snapshotTransitionWindow = 100

// snapshotKeepLast bounds how many snapshots the persistence writer
// retains; only the most recent one is ever read back on recovery.
const snapshotKeepLast = 20

// ComponentHealth is one row of a HealthReport.
type ComponentHealth struct {
	Healthy   bool
	Details   string
	LastCheck time.Time
}

// HealthReport is Coordinator.Health's return shape.
type HealthReport struct {
	Components map[string]ComponentHealth
	Overall    bool
}

// CoreStatus is Coordinator.Status's return shape.
type CoreStatus struct {
	PoolSize          int
	Available         int
	Busy              int
	StateDistribution map[types.ContainerState]int
	LastScaleDecision types.ScaleDecision
	RejectionCount    int64
	Alerts            []*types.Alert
}

// Coordinator owns the PoolManager, StateManager, Scaler, Optimizer, and
// Monitor handles exclusively; nothing outside this package reaches into
// them directly.
type Coordinator struct {
	cfg     config.Config
	runtime runtime.ContainerRuntime
	broker  *events.Broker

	pool      *pool.Pool
	state     *state.Manager
	scaler    *scaler.Scaler
	optimizer *optimizer.Optimizer
	monitor   *monitor.Monitor

	logger zerolog.Logger

	collector *metrics.Collector

	store   storage.Writer
	nextSeq uint64

	mu      sync.Mutex
	started map[string]time.Time

	sub    events.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires every subcomponent in dependency order, registers
// defaultTemplate as the pool's template, and installs the optimizer as the
// pool's selector and the scaler as its scale requester. If cfg.DataDir is
// non-empty, a BoltDB-backed persistence writer is opened there; an open
// failure is logged but does not prevent startup, since persistence is a
// recovery aid, not a correctness requirement.
func New(cfg config.Config, rt runtime.ContainerRuntime, defaultTemplate types.Template) *Coordinator {
	broker := events.NewBroker()

	st := state.New(rt, broker, cfg.StateValidation, cfg.StateRecovery)
	p := pool.New(rt, st, broker, cfg.Pool, cfg.Container, cfg.Optimizer.MaxReuseCount, cfg.Optimizer.MaxContainerAge, cfg.Health.UnhealthyThreshold)
	st.SetPartitionNotifier(p)
	p.RegisterTemplate(defaultTemplate)

	opt := optimizer.New(p, broker, cfg.Optimizer)
	p.SetSelector(opt)

	sc := scaler.New(p, broker, cfg.Scaler, cfg.Prediction, cfg.Cost, cfg.Pool.MaxSize, cfg.Pool.MinSize)
	p.SetScaleRequester(sc)

	mon := monitor.New(p, rt, broker, cfg)

	logger := log.WithComponent("coordinator")
	var store storage.Writer
	if cfg.DataDir != "" {
		w, err := storage.NewBoltWriter(cfg.DataDir, snapshotKeepLast)
		if err != nil {
			logger.Warn().Err(err).Str("data_dir", cfg.DataDir).Msg("persistence writer unavailable, continuing without it")
		} else {
			store = w
		}
	}

	return &Coordinator{
		cfg:       cfg,
		runtime:   rt,
		broker:    broker,
		pool:      p,
		state:     st,
		scaler:    sc,
		optimizer: opt,
		monitor:   mon,
		logger:    logger,
		collector: metrics.NewCollector(p, st, mon),
		store:     store,
		started:   make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start initializes the pool and launches every periodic loop: state
// reconciliation, scaling evaluation, preemptive-recycling sweeps, resource
// sampling, alert/anomaly reaction, health checks, and cross-component
// optimization.
func (c *Coordinator) Start(ctx context.Context) error {
	c.broker.Start()

	if err := c.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("coordinator: pool initialization failed: %w", err)
	}
	c.markStarted("pool")

	if c.cfg.StateValidation.Enable {
		c.state.Start(ctx)
		c.markStarted("state")
	}

	c.scaler.Start(ctx)
	c.markStarted("scaler")

	c.optimizer.Start(ctx, c.cfg.Scaler.Timing.Interval)
	c.markStarted("optimizer")

	c.monitor.Start(ctx)
	c.markStarted("monitor")

	c.collector.Start()

	c.sub = c.broker.Subscribe()
	c.wg.Add(1)
	go c.reactLoop(ctx)

	c.wg.Add(1)
	go c.healthLoop(ctx)

	c.wg.Add(1)
	go c.optimizationLoop(ctx)

	c.logger.Info().Msg("coordinator started")
	return nil
}

func (c *Coordinator) markStarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started[name] = time.Now()
	metrics.RegisterComponent(name, true, "running")
}

// reactLoop implements the alert/anomaly reactions: critical
// system cpu/memory alerts trigger an emergency scale-down of two;
// high-severity per-container anomalies trigger that container's recycle.
func (c *Coordinator) reactLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			c.react(ctx, ev)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) react(ctx context.Context, ev *events.Event) {
	switch ev.Type {
	case events.EventAlertGenerated:
		if ev.Metadata["severity"] != string(types.SeverityCritical) {
			return
		}
		resourceKey := ev.Metadata["resource_key"]
		if resourceKey != "cpu" && resourceKey != "memory" {
			return
		}
		c.logger.Warn().Str("resource", resourceKey).Msg("critical alert, emergency scale-down")
		c.scaler.Execute(ctx, types.ScaleDecision{
			Kind:     types.ScaleDown,
			Count:    2,
			Priority: types.PriorityEmergency,
			Reason:   "critical " + resourceKey + " alert",
		})
	case events.EventAnomalyDetected:
		if ev.Metadata["high_severity"] != "true" {
			return
		}
		containerID := ev.Metadata["container_id"]
		if containerID == "" {
			return
		}
		c.logger.Warn().Str("container_id", containerID).Msg("high-severity anomaly, recycling container")
		if err := c.pool.Recycle(ctx, containerID); err != nil {
			c.logger.Error().Err(err).Str("container_id", containerID).Msg("anomaly-triggered recycle failed")
		}
	}
}

// healthLoop asks each component for its status every healthInterval; a
// component reporting unhealthy is restarted if autoRestart is enabled.
func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Coordinator.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report := c.Health()
			for name, h := range report.Components {
				metrics.UpdateComponent(name, h.Healthy, h.Details)
			}
			if c.cfg.Coordinator.AutoRestart {
				c.restartUnhealthy(ctx, report)
			}
			if c.broker != nil {
				status := "healthy"
				if !report.Overall {
					status = "degraded"
				}
				c.broker.Publish(&events.Event{Type: events.EventHealthCheckCompleted, Message: status})
			}
			c.persistSnapshot()
		case <-c.stopCh:
			return
		}
	}
}

// persistSnapshot writes the current pool/state shape to the persistence
// writer, if one is configured. Persistence is piggybacked on the health
// loop rather than given its own interval and config field, since both
// want a cheap, regular cadence over the same live data.
func (c *Coordinator) persistSnapshot() {
	if c.store == nil {
		return
	}

	containers := make(map[string]types.ContainerState)
	distribution := make(map[types.ContainerState]int)
	for _, ctr := range c.pool.Snapshot() {
		containers[ctr.ID] = ctr.State
		distribution[ctr.State]++
	}

	transitions := c.state.TransitionLog()
	metrics := storage.StateMetrics{
		Distribution:    distribution,
		TransitionCount: len(transitions),
		RejectionCount:  c.state.RejectionCount(),
	}

	c.mu.Lock()
	c.nextSeq++
	seq := c.nextSeq
	c.mu.Unlock()

	snap := storage.BuildSnapshot(seq, time.Now(), containers, metrics, transitions, snapshotTransitionWindow)
	if err := c.store.Write(snap); err != nil {
		c.logger.Warn().Err(err).Msg("snapshot persistence failed")
	}
}

func (c *Coordinator) restartUnhealthy(ctx context.Context, report HealthReport) {
	for name, h := range report.Components {
		if h.Healthy {
			continue
		}
		switch name {
		case "scaler":
			c.scaler.Stop()
			c.scaler.Start(ctx)
		case "optimizer":
			c.optimizer.Stop()
			c.optimizer.Start(ctx, c.cfg.Scaler.Timing.Interval)
		case "monitor":
			c.monitor.Stop()
			c.monitor.Start(ctx)
		case "state":
			c.state.Stop()
			c.state.Start(ctx)
		}
		c.markStarted(name)
		c.logger.Warn().Str("component", name).Msg("component restarted after unhealthy report")
	}
}

// optimizationLoop runs the cross-component optimization cycle every optimizationInterval.
func (c *Coordinator) optimizationLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Coordinator.OptimizationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runOptimizationCycle(ctx)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) runOptimizationCycle(ctx context.Context) {
	size := c.pool.Size()
	if size == 0 {
		return
	}
	util := float64(c.pool.BusyCount()) / float64(size)

	if util >= c.cfg.Scaler.Thresholds.ScaleUp {
		c.logger.Info().Float64("util", util).Msg("optimization cycle: triggering scale-up")
		_ = c.scaler.RequestScaleUp(ctx, 1)
	}

	if size > c.cfg.Pool.MinSize {
		avgEfficiency := c.averageReuseEfficiency()
		if avgEfficiency < c.cfg.Optimizer.PreemptiveThreshold {
			c.logger.Info().Float64("avg_efficiency", avgEfficiency).Msg("optimization cycle: triggering aggressive recycling")
			c.optimizer.Sweep(ctx)
		}
	}

	if c.state.RejectionCount() > invalidTransitionTrigger {
		c.logger.Warn().Int64("rejections", c.state.RejectionCount()).Msg("optimization cycle: triggering state validation")
		_ = c.state.Reconcile(ctx)
	}

	for _, a := range c.monitor.Alerts() {
		if a.Severity == types.SeverityCritical {
			c.logger.Warn().Str("resource", a.ResourceKey).Msg("optimization cycle: triggering scale-down on resource critical alert")
			c.scaler.Execute(ctx, types.ScaleDecision{Kind: types.ScaleDown, Count: 1, Priority: types.PriorityEmergency, Reason: "resource critical"})
			break
		}
	}
	for _, a := range c.monitor.Alerts() {
		if a.Severity == types.SeverityWarning {
			c.optimizer.Sweep(ctx)
			break
		}
	}
}

func (c *Coordinator) averageReuseEfficiency() float64 {
	containers := c.pool.Snapshot()
	if len(containers) == 0 {
		return 1
	}
	var sum float64
	for _, container := range containers {
		if len(container.History) == 0 {
			sum += 0.5
			continue
		}
		var successful float64
		for _, h := range container.History {
			if h.Success {
				successful++
			}
		}
		sum += successful / float64(len(container.History))
	}
	return sum / float64(len(containers))
}

// Acquire delegates to the pool.
func (c *Coordinator) Acquire(ctx context.Context, req types.JobRequirements) (*types.Container, error) {
	return c.pool.Acquire(ctx, req)
}

// Release delegates to the pool; it never fails the caller.
func (c *Coordinator) Release(ctx context.Context, id string, result types.JobResult) {
	c.pool.Release(ctx, id, result)
}

// Cancel triggers busy → recycling for id.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	return c.pool.Recycle(ctx, id)
}

// Status reports a read-only snapshot across every component.
func (c *Coordinator) Status() CoreStatus {
	containers := c.pool.Snapshot()
	distribution := make(map[types.ContainerState]int)
	for _, ctr := range containers {
		distribution[ctr.State]++
	}
	return CoreStatus{
		PoolSize:          c.pool.Size(),
		Available:         c.pool.AvailableCount(),
		Busy:              c.pool.BusyCount(),
		StateDistribution: distribution,
		LastScaleDecision: c.scaler.LastDecision(),
		RejectionCount:    c.state.RejectionCount(),
		Alerts:            c.monitor.Alerts(),
	}
}

// Health reports each component's running status.
func (c *Coordinator) Health() HealthReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	components := make(map[string]ComponentHealth)
	overall := true
	for _, name := range []string{"pool", "state", "scaler", "optimizer", "monitor"} {
		startedAt, ok := c.started[name]
		healthy := ok
		details := "running"
		if !ok {
			details = "not started"
			overall = false
		}
		components[name] = ComponentHealth{Healthy: healthy, Details: details, LastCheck: startedAt}
	}
	return HealthReport{Components: components, Overall: overall}
}

// Stop drains periodic loops within deadline, falling back to
// EmergencyStop if the deadline elapses first.
func (c *Coordinator) Stop(ctx context.Context, deadline time.Duration) {
	c.collector.Stop()
	c.scaler.Stop()
	c.optimizer.Stop()
	c.monitor.Stop()
	c.state.Stop()

	close(c.stopCh)
	if c.sub != nil {
		c.broker.Unsubscribe(c.sub)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		c.logger.Warn().Msg("stop deadline exceeded, forcing emergency stop")
		c.EmergencyStop(ctx)
	}

	c.broker.Stop()

	c.persistSnapshot()
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("closing persistence writer failed")
		}
	}
}

// EmergencyStop force-removes every tracked container, skipping in-flight
// drain.
func (c *Coordinator) EmergencyStop(ctx context.Context) {
	for _, ctr := range c.pool.Snapshot() {
		if err := c.pool.Remove(ctx, ctr.ID); err != nil {
			c.logger.Error().Err(err).Str("container_id", ctr.ID).Msg("emergency stop: remove failed")
		}
	}
	c.logger.Warn().Msg("emergency stop completed")
}
