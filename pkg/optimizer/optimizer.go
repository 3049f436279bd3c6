// Package optimizer implements ReuseOptimizer: the weighted
// affinity scorer that picks which available container best fits a job,
// and the preemptive-recycling sweep that retires containers whose reuse
// efficiency has degraded.
package optimizer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/control"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/pool"
	"github.com/anubissbe/runnerhub/pkg/types"
)

// patternWindow bounds how many recent history entries feed the pattern
// score.
const patternWindow = 20

// slowThresholdMS is the execution-time score's denominator: jobs at or
// above this duration score 0 on exec_time_score.
const slowThresholdMS = 60_000.0

// recencyWindowMS is the idle duration at which recency saturates to 1.
const recencyWindowMS = 300_000.0

// recycler is the subset of pool.Pool the preemptive sweep needs.
type recycler interface {
	Snapshot() []*types.Container
	Recycle(ctx context.Context, id string) error
}

// Optimizer scores and selects candidates for pool.Pool.Acquire and
// periodically recycles containers whose reuse efficiency has degraded.
// It reads history directly off types.Container records the pool already
// maintains -- it keeps no duplicate per-container state of its own.
type Optimizer struct {
	pool   recycler
	sink   events.Sink
	cfg    config.Optimizer
	logger zerolog.Logger

	stopCh chan struct{}
}

// New constructs an Optimizer wired to p's container records.
func New(p recycler, sink events.Sink, cfg config.Optimizer) *Optimizer {
	return &Optimizer{
		pool:   p,
		sink:   sink,
		cfg:    cfg,
		logger: log.WithComponent("optimizer"),
		stopCh: make(chan struct{}),
	}
}

// Select implements pool.ContainerSelector: picks the candidate with the
// highest weighted score, or returns control.ErrNoCapacity when there are
// no candidates; on any error the pool falls back to its default selector.
func (o *Optimizer) Select(candidates []*types.Container, req types.JobRequirements) (*types.Container, error) {
	if len(candidates) == 0 {
		return nil, control.ErrNoCapacity
	}

	var best *types.Container
	var bestScore float64
	for _, c := range candidates {
		s := o.score(c, req.Fingerprint)
		if best == nil || s > bestScore {
			best = c
			bestScore = s
		}
	}
	metrics.ReuseScore.Observe(bestScore)
	return best, nil
}

func (o *Optimizer) score(c *types.Container, fp types.Fingerprint) float64 {
	w := o.cfg.Weights
	return w.Pattern*patternScore(c, fp) + w.Perf*perfScore(c) + w.Res*resScore(c) + 0.1*recencyScore(c)
}

func patternScore(c *types.Container, fp types.Fingerprint) float64 {
	history := recentHistory(c, patternWindow)
	if len(history) == 0 {
		return 0.5
	}

	var max, sum float64
	for _, h := range history {
		s := fingerprintSimilarity(fp, h.Fingerprint)
		if s > max {
			max = s
		}
		sum += s
	}
	mean := sum / float64(len(history))
	return 0.7*max + 0.3*mean
}

func fingerprintSimilarity(a, b types.Fingerprint) float64 {
	var s float64
	if a.JobType == b.JobType {
		s += 0.30
	}
	if a.Language == b.Language {
		s += 0.25
	}
	if a.Framework == b.Framework {
		s += 0.20
	}
	s += 0.15 * jaccard(resourceClassSet(a), resourceClassSet(b))
	s += 0.10 * jaccard(stringSet(a.Dependencies), stringSet(b.Dependencies))
	return s
}

func resourceClassSet(fp types.Fingerprint) map[string]struct{} {
	return map[string]struct{}{
		"cpu:" + string(fp.CPUClass):    {},
		"mem:" + string(fp.MemoryClass): {},
		"disk:" + string(fp.DiskClass):  {},
	}
}

func stringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var intersection int
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func perfScore(c *types.Container) float64 {
	if len(c.History) == 0 {
		return 0.5
	}

	var totalMS, successful, resEff float64
	for _, h := range c.History {
		totalMS += float64(h.Duration.Milliseconds())
		if h.Success {
			successful++
		}
		resEff += resScoreFromSnapshot(h.Resource)
	}
	n := float64(len(c.History))
	avgMS := totalMS / n
	successRate := successful / n
	resourceEfficiency := resEff / n

	execTimeScore := 1 - avgMS/slowThresholdMS
	if execTimeScore < 0 {
		execTimeScore = 0
	}

	return 0.4*execTimeScore + 0.4*successRate + 0.2*resourceEfficiency
}

func resScore(c *types.Container) float64 {
	return resScoreFromSnapshot(c.LastResource)
}

func resScoreFromSnapshot(r types.ResourceSnapshot) float64 {
	memPercent := 0.0
	if r.MemoryLimit > 0 {
		memPercent = float64(r.MemoryUsed) / float64(r.MemoryLimit) * 100
	}
	return ((1 - r.CPUPercent/100) + (1 - memPercent/100)) / 2
}

func recencyScore(c *types.Container) float64 {
	reference := c.CreatedAt
	if c.LastAssignedAt != nil {
		reference = *c.LastAssignedAt
	}
	idleMS := float64(time.Since(reference).Milliseconds())
	v := idleMS / recencyWindowMS
	if v > 1 {
		v = 1
	}
	return v
}

func recentHistory(c *types.Container, n int) []types.HistoryEntry {
	if len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// reuseEfficiency is the per-container score the preemptive sweep compares
// against PreemptiveThreshold: the same performance score Select uses,
// since both describe how well this container is still serving jobs.
func reuseEfficiency(c *types.Container) float64 {
	return perfScore(c)
}

// ShouldRecycle reports whether c has crossed any preemptive-recycling
// threshold.
func (o *Optimizer) ShouldRecycle(c *types.Container) bool {
	if c.JobCount >= o.cfg.MaxReuseCount {
		return true
	}
	if time.Since(c.CreatedAt) >= o.cfg.MaxContainerAge {
		return true
	}
	if c.JobCount > 10 && reuseEfficiency(c) < o.cfg.PreemptiveThreshold {
		return true
	}
	return false
}

// Sweep runs one preemptive-recycling pass over every available container.
func (o *Optimizer) Sweep(ctx context.Context) {
	for _, c := range o.pool.Snapshot() {
		if c.State != types.StateAvailable {
			continue
		}
		if !o.ShouldRecycle(c) {
			continue
		}
		o.logger.Info().Str("container_id", c.ID).Msg("preemptive recycle")
		if err := o.pool.Recycle(ctx, c.ID); err != nil {
			o.logger.Error().Err(err).Str("container_id", c.ID).Msg("preemptive recycle failed")
			continue
		}
		o.publishSuggestion(c.ID, "preemptive_recycle", "reuse efficiency below threshold or limits exceeded")
	}
}

func (o *Optimizer) publishSuggestion(containerID, kind, reason string) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(&events.Event{
		Type:     events.EventOptimizationSuggested,
		Message:  reason,
		Metadata: map[string]string{"container_id": containerID, "kind": kind},
	})
}

// Start runs Sweep on the given interval until Stop is called.
func (o *Optimizer) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.Sweep(ctx)
			case <-o.stopCh:
				return
			}
		}
	}()
}

// Stop halts the preemptive-recycling loop.
func (o *Optimizer) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
}

var _ pool.ContainerSelector = (*Optimizer)(nil)
