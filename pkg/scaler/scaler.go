// Package scaler implements DynamicScaler: the periodic
// decision pipeline that grows or shrinks the pool, with predictive and
// cost overlays, cooldowns, and a globally bounded concurrent-scaling
// gauge.
package scaler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/types"
)

// decisionHistoryCap bounds how many past decisions feed the "three/four
// consecutive" streak checks.
const decisionHistoryCap = 10

// scalablePool is the subset of pool.Pool the scaler drives.
type scalablePool interface {
	Size() int
	BusyCount() int
	AvailableCount() int
	Snapshot() []*types.Container
	CreateContainer(ctx context.Context, template string) (string, error)
	Remove(ctx context.Context, id string) error
	DefaultTemplate() string
}

// Scaler evaluates pool utilization every interval and decides one of
// none/scale_up(n)/scale_down(n).
type Scaler struct {
	mu   sync.Mutex
	pool scalablePool
	sink events.Sink

	cfg           config.Scaler
	predictionCfg config.Prediction
	costCfg       config.Cost
	poolMaxSize   int
	poolMinSize   int

	logger zerolog.Logger

	lastScaleUp     time.Time
	lastScaleDown   time.Time
	decisionHistory []types.ScaleDecisionKind

	demandEstimate float64
	trend          float64
	lastTick       time.Time
	lastDecision   types.ScaleDecision

	concurrency chan struct{}

	// pendingDemand reports externally queued work this scaler has no
	// direct visibility into.
	// Defaults to always 0; the coordinator may override it when a queue
	// depth collaborator is wired in.
	pendingDemand func() int

	stopCh chan struct{}
}

// New constructs a Scaler. cfg, predictionCfg, and costCfg come directly
// from config.Config.
func New(p scalablePool, sink events.Sink, cfg config.Scaler, predictionCfg config.Prediction, costCfg config.Cost, poolMaxSize, poolMinSize int) *Scaler {
	return &Scaler{
		pool:          p,
		sink:          sink,
		cfg:           cfg,
		predictionCfg: predictionCfg,
		costCfg:       costCfg,
		poolMaxSize:   poolMaxSize,
		poolMinSize:   poolMinSize,
		logger:        log.WithComponent("scaler"),
		concurrency:   make(chan struct{}, cfg.Limits.MaxConcurrent),
		pendingDemand: func() int { return 0 },
		lastTick:      time.Now(),
		stopCh:        make(chan struct{}),
	}
}

// SetPendingDemandHook overrides the external-queue-depth hook.
func (s *Scaler) SetPendingDemandHook(hook func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDemand = hook
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Scaler) utilization() float64 {
	total := s.pool.Size()
	if total == 0 {
		return 1
	}
	return float64(s.pool.BusyCount()) / float64(total)
}

func (s *Scaler) inCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastScaleUp.IsZero() && now.Sub(s.lastScaleUp) < s.cfg.Timing.UpCooldown {
		return true
	}
	if !s.lastScaleDown.IsZero() && now.Sub(s.lastScaleDown) < s.cfg.Timing.DownCooldown {
		return true
	}
	return false
}

func (s *Scaler) recentStreak(kind types.ScaleDecisionKind, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.decisionHistory) < n {
		return false
	}
	tail := s.decisionHistory[len(s.decisionHistory)-n:]
	for _, k := range tail {
		if k != kind {
			return false
		}
	}
	return true
}

func (s *Scaler) recordDecision(kind types.ScaleDecisionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisionHistory = append(s.decisionHistory, kind)
	if len(s.decisionHistory) > decisionHistoryCap {
		s.decisionHistory = s.decisionHistory[len(s.decisionHistory)-decisionHistoryCap:]
	}
}

func businessHours(t time.Time) bool {
	h := t.Hour()
	return h >= 9 && h < 18
}

func seasonal(t time.Time) float64 {
	if businessHours(t) {
		return 1.2
	}
	return 0.8
}

// Evaluate runs the full decision pipeline once
// without executing it.
func (s *Scaler) Evaluate(now time.Time) types.ScaleDecision {
	poolSize := s.pool.Size()
	util := s.utilization()
	th := s.cfg.Thresholds

	if s.inCooldown(now) {
		d := types.ScaleDecision{Kind: types.ScaleNone, Priority: types.PriorityNormal, Reason: "cooldown active", DecidedAt: now}
		s.recordDecision(d.Kind)
		s.mu.Lock()
		s.lastDecision = d
		s.mu.Unlock()
		return d
	}

	var decision types.ScaleDecision
	decision.DecidedAt = now

	switch {
	case util >= th.Critical:
		maxSize := s.cfg.Limits.MaxUp
		n := int(math.Min(float64(2*maxSize), float64(s.maxSize()-poolSize)))
		if n <= 0 {
			decision = types.ScaleDecision{Kind: types.ScaleNone, Reason: "critical utilization but at max size", Priority: types.PriorityEmergency}
		} else {
			decision = types.ScaleDecision{Kind: types.ScaleUp, Count: n, Priority: types.PriorityEmergency, Confidence: 1.0, Reason: "critical utilization"}
		}

	case util > th.ScaleUp:
		base := math.Ceil((util - th.ScaleUp) * float64(poolSize))
		if base > 0 && base < 1 {
			base = 1
		}
		if s.recentStreak(types.ScaleUp, 3) {
			base *= 1.5
		}
		room := s.poolMaxSize - poolSize
		if room < 0 {
			room = 0
		}
		n := int(clip(base, 1, float64(s.cfg.Limits.MaxUp)))
		if n > room {
			n = room
		}
		if n <= 0 {
			decision = types.ScaleDecision{Kind: types.ScaleNone, Reason: "at max size", Priority: types.PriorityNormal}
			break
		}
		confidence := math.Min(util/th.ScaleUp, 1)
		// emergency_util sits between scale_up_util and critical_util; the
		// pipeline's sizing is unchanged, only the priority escalates so
		// the coordinator's alert/health reactions can tell routine
		// growth from a pool running hot.
		priority := types.PriorityNormal
		reason := "regular scale-up"
		if util >= th.Emergency {
			priority = types.PriorityEmergency
			reason = "elevated utilization scale-up"
		}
		decision = types.ScaleDecision{Kind: types.ScaleUp, Count: n, Priority: priority, Confidence: confidence, Reason: reason}

	case util <= th.ScaleDown && poolSize > 0:
		targetMid := (th.ScaleDown + th.ScaleUp) / 2
		excess := (targetMid - util) * float64(poolSize)
		if excess < 1 {
			decision = types.ScaleDecision{Kind: types.ScaleNone, Reason: "below scale-down excess threshold", Priority: types.PriorityNormal}
			break
		}
		if s.recentStreak(types.ScaleDown, 4) {
			excess *= 0.7
		}
		room := poolSize - s.poolMinSize
		if room < 0 {
			room = 0
		}
		n := int(clip(excess, 1, float64(s.cfg.Limits.MaxDown)))
		if n > room {
			n = room
		}
		if n <= 0 {
			decision = types.ScaleDecision{Kind: types.ScaleNone, Reason: "at min size", Priority: types.PriorityNormal}
			break
		}
		confidence := clip(1-util/th.ScaleDown, 0, 1)
		decision = types.ScaleDecision{Kind: types.ScaleDown, Count: n, Priority: types.PriorityNormal, Confidence: confidence, Reason: "regular scale-down"}

	default:
		decision = types.ScaleDecision{Kind: types.ScaleNone, Priority: types.PriorityNormal, Reason: "within thresholds"}
	}

	if s.predictionCfg.Enable {
		decision = s.applyPrediction(decision, util, now)
	}
	if s.costCfg.Enable {
		decision = s.applyCostOverlay(decision, poolSize)
	}

	s.recordDecision(decision.Kind)

	s.mu.Lock()
	s.lastDecision = decision
	s.mu.Unlock()
	return decision
}

// LastDecision returns the most recent decision Evaluate produced.
func (s *Scaler) LastDecision() types.ScaleDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDecision
}

func (s *Scaler) maxSize() int {
	return s.poolMaxSize
}

// applyPrediction implements the predictive overlay.
func (s *Scaler) applyPrediction(decision types.ScaleDecision, util float64, now time.Time) types.ScaleDecision {
	s.mu.Lock()
	alpha := s.predictionCfg.Smoothing
	prevEstimate := s.demandEstimate
	s.demandEstimate = alpha*util + (1-alpha)*(prevEstimate+s.trend)
	s.trend = s.predictionCfg.TrendWeight*(s.demandEstimate-prevEstimate) + (1-s.predictionCfg.TrendWeight)*s.trend
	deltaT := now.Sub(s.lastTick)
	s.lastTick = now
	estimate := s.demandEstimate
	trend := s.trend
	interval := s.cfg.Timing.Interval
	s.mu.Unlock()

	intervalSeconds := interval.Seconds()
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	predicted := clip(estimate+trend*(deltaT.Seconds()/intervalSeconds), 0, 1) * seasonal(now)

	switch decision.Kind {
	case types.ScaleUp:
		if predicted < 0.8*util {
			decision.Count = int(math.Max(1, float64(decision.Count)*0.7))
			decision.Reason += "; predictive reduction"
		}
	case types.ScaleNone:
		if predicted > 1.3*util {
			decision = types.ScaleDecision{Kind: types.ScaleUp, Count: 1, Priority: types.PriorityNormal, Confidence: clip(predicted, 0, 1), Reason: "predictive preemptive scale-up"}
		}
	case types.ScaleDown:
		if predicted > 1.1*util {
			decision = types.ScaleDecision{Kind: types.ScaleNone, Priority: types.PriorityNormal, Reason: "predictive suppression of scale-down"}
		}
	}
	return decision
}

// applyCostOverlay implements the cost overlay.
func (s *Scaler) applyCostOverlay(decision types.ScaleDecision, poolSize int) types.ScaleDecision {
	if poolSize == 0 {
		return decision
	}
	idleRatio := float64(s.pool.AvailableCount()) / float64(poolSize)
	active := idleRatio > s.costCfg.IdleThreshold || isScheduledWindow(time.Now(), s.costCfg.Schedule)
	if !active {
		return decision
	}

	switch decision.Kind {
	case types.ScaleUp:
		decision.Count = decision.Count / 2
		if decision.Count <= 0 {
			decision = types.ScaleDecision{Kind: types.ScaleNone, Priority: types.PriorityNormal, Reason: "cost overlay suppressed scale-up"}
		} else {
			decision.Reason += "; cost overlay reduction"
		}
	case types.ScaleNone:
		decision = types.ScaleDecision{Kind: types.ScaleDown, Count: 1, Priority: types.PriorityNormal, Confidence: 0.5, Reason: "cost overlay idle scale-down"}
	case types.ScaleDown:
		if decision.Count < s.cfg.Limits.MaxDown {
			decision.Count++
		}
		decision.Reason += "; cost overlay growth"
	}
	return decision
}

// isScheduledWindow reports whether now falls in one of schedule's
// "HH-HH" 24-hour windows (wrapping past midnight is supported, e.g.
// "22-6").
func isScheduledWindow(now time.Time, schedule []string) bool {
	hour := now.Hour()
	for _, w := range schedule {
		var start, end int
		if _, err := fmt.Sscanf(w, "%d-%d", &start, &end); err != nil {
			continue
		}
		if start <= end {
			if hour >= start && hour < end {
				return true
			}
		} else if hour >= start || hour < end {
			return true
		}
	}
	return false
}

// RequestScaleUp implements pool.ScaleRequester: an on-demand grow request
// issued when Acquire finds the available set empty, executed immediately
// regardless of cooldown (capacity starvation takes priority).
func (s *Scaler) RequestScaleUp(ctx context.Context, count int) error {
	_, succeeded, _ := s.executeScaleUp(ctx, count)
	if succeeded == 0 {
		return fmt.Errorf("scaler: on-demand scale-up created 0 of %d containers", count)
	}
	return nil
}

// Execute runs decision: scale_up creates containers, scale_down removes
// victims selected by age-desc then job-count-desc among available
// containers. Both directions are clamped to the pool's configured
// min/max size regardless of how decision.Count was computed, so an
// overlay (predictive, cost) can't push the pool past its bounds.
// Individual failures are tallied; the operation overall succeeds
// per-container. decision.Count is updated to the attempted count before
// publish, so the emitted event reflects what was actually attempted.
func (s *Scaler) Execute(ctx context.Context, decision types.ScaleDecision) {
	if decision.Kind == types.ScaleNone {
		return
	}
	timer := metrics.NewTimer()
	metrics.ScalingDecisionsTotal.WithLabelValues(string(decision.Kind)).Inc()
	defer timer.ObserveDuration(metrics.ScalingExecutionDuration)

	switch decision.Kind {
	case types.ScaleUp:
		attempted, succeeded, failed := s.executeScaleUp(ctx, decision.Count)
		decision.Count = attempted
		s.publish(succeeded, failed, decision)
	case types.ScaleDown:
		attempted, succeeded, failed := s.executeScaleDown(ctx, decision.Count)
		decision.Count = attempted
		s.publish(succeeded, failed, decision)
	}
}

func (s *Scaler) executeScaleUp(ctx context.Context, count int) (attempted, succeeded, failed int) {
	room := s.poolMaxSize - s.pool.Size()
	if room < 0 {
		room = 0
	}
	if count > room {
		count = room
	}
	attempted = count

	var wg sync.WaitGroup
	var mu sync.Mutex
	template := s.pool.DefaultTemplate()

	for i := 0; i < count; i++ {
		wg.Add(1)
		s.concurrency <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.concurrency }()
			_, err := s.pool.CreateContainer(ctx, template)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.mu.Lock()
	s.lastScaleUp = time.Now()
	s.mu.Unlock()
	return attempted, succeeded, failed
}

func (s *Scaler) executeScaleDown(ctx context.Context, count int) (attempted, succeeded, failed int) {
	room := s.pool.Size() - s.poolMinSize
	if room < 0 {
		room = 0
	}
	if count > room {
		count = room
	}
	attempted = count
	victims := s.selectVictims(count)

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range victims {
		wg.Add(1)
		s.concurrency <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-s.concurrency }()
			err := s.pool.Remove(ctx, id)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	s.mu.Lock()
	s.lastScaleDown = time.Now()
	s.mu.Unlock()
	return attempted, succeeded, failed
}

func (s *Scaler) selectVictims(count int) []string {
	candidates := make([]*types.Container, 0)
	for _, c := range s.pool.Snapshot() {
		if c.State == types.StateAvailable {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].JobCount > candidates[j].JobCount
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	ids := make([]string, count)
	for i := 0; i < count; i++ {
		ids[i] = candidates[i].ID
	}
	return ids
}

func (s *Scaler) publish(succeeded, failed int, decision types.ScaleDecision) {
	if s.sink == nil {
		return
	}
	t := events.EventScalingCompleted
	if failed > 0 && succeeded == 0 {
		t = events.EventScalingFailed
	}
	s.sink.Publish(&events.Event{
		Type:    t,
		Message: fmt.Sprintf("%s: %d requested, %d succeeded, %d failed (%s)", decision.Kind, decision.Count, succeeded, failed, decision.Reason),
	})
}

// Start runs Evaluate/Execute on cfg.Timing.Interval until Stop is called.
func (s *Scaler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Timing.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				decision := s.Evaluate(time.Now())
				if decision.Kind != types.ScaleNone {
					s.Execute(ctx, decision)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic evaluation loop.
func (s *Scaler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}
