// Package pool implements PoolManager: the owner of the
// container population, its available/busy partitions, and the
// Acquire/Release/Remove/Recycle lifecycle operations every caller and
// every other control-plane component goes through.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/control"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/state"
	"github.com/anubissbe/runnerhub/pkg/types"
)

// acquireWait bounds how long Acquire waits for a requested scale-up to
// produce a ready container before giving up.
const acquireWait = 5 * time.Second

const acquirePollInterval = 50 * time.Millisecond

// ContainerSelector picks one candidate from the available set for a job.
// The default is least-recently-used among healthy; the optimizer overrides
// this with its weighted-score selector.
type ContainerSelector interface {
	Select(candidates []*types.Container, req types.JobRequirements) (*types.Container, error)
}

// ScaleRequester is the capability Acquire uses to ask the scaler to grow
// the pool by one when the available set is empty.
type ScaleRequester interface {
	RequestScaleUp(ctx context.Context, count int) error
}

// lruSelector is the default ContainerSelector: least-recently-used among
// containers below the unhealthy failure threshold.
type lruSelector struct {
	unhealthyThreshold int
}

func (s *lruSelector) Select(candidates []*types.Container, _ types.JobRequirements) (*types.Container, error) {
	var best *types.Container
	for _, c := range candidates {
		if c.FailureCount >= s.unhealthyThreshold {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		bestTime := lastUsed(best)
		candTime := lastUsed(c)
		if candTime.Before(bestTime) {
			best = c
		}
	}
	if best == nil {
		return nil, control.ErrNoCapacity
	}
	return best, nil
}

func lastUsed(c *types.Container) time.Time {
	if c.LastAssignedAt == nil {
		return time.Time{}
	}
	return *c.LastAssignedAt
}

// Pool owns every tracked container record and the available/busy
// partition sets. Partition membership is mutated exclusively through
// NotifyAvailable/NotifyBusy, which the StateManager invokes on every
// transition into those states -- whether pool-initiated (Acquire,
// Release) or reconciliation-driven -- and through Remove, which drops the
// container from both.
type Pool struct {
	mu         sync.Mutex
	containers map[string]*types.Container
	available  map[string]struct{}
	busy       map[string]struct{}

	templates       map[string]types.Template
	defaultTemplate string

	runtime  runtime.ContainerRuntime
	state    *state.Manager
	sink     events.Sink
	selector ContainerSelector
	scaler   ScaleRequester

	poolCfg      config.Pool
	containerCfg config.Container

	maxReuseCount      int
	maxAge             time.Duration
	unhealthyThreshold int

	logger zerolog.Logger
}

// New constructs a Pool. maxReuseCount/maxAge come from
// config.Optimizer.MaxReuseCount/MaxContainerAge and unhealthyThreshold from
// config.Health; the coordinator wires them at construction.
func New(rt runtime.ContainerRuntime, st *state.Manager, sink events.Sink, poolCfg config.Pool, containerCfg config.Container, maxReuseCount int, maxAge time.Duration, unhealthyThreshold int) *Pool {
	p := &Pool{
		containers:         make(map[string]*types.Container),
		available:          make(map[string]struct{}),
		busy:               make(map[string]struct{}),
		templates:          make(map[string]types.Template),
		runtime:            rt,
		state:              st,
		sink:               sink,
		poolCfg:            poolCfg,
		containerCfg:       containerCfg,
		maxReuseCount:      maxReuseCount,
		maxAge:             maxAge,
		unhealthyThreshold: unhealthyThreshold,
		logger:             log.WithComponent("pool"),
	}
	p.selector = &lruSelector{unhealthyThreshold: unhealthyThreshold}
	return p
}

// SetSelector overrides the default LRU selection policy (the ReuseOptimizer
// installs its weighted-score selector here).
func (p *Pool) SetSelector(s ContainerSelector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selector = s
}

// SetScaleRequester wires the capability Acquire uses to grow the pool when
// starved.
func (p *Pool) SetScaleRequester(r ScaleRequester) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scaler = r
}

// RegisterTemplate adds template to the known set. The first template
// registered becomes the default unless one is already set.
func (p *Pool) RegisterTemplate(t types.Template) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.templates[t.Name] = t
	if p.defaultTemplate == "" {
		p.defaultTemplate = t.Name
	}
}

// Initialize validates the runtime, then creates minSize containers --
// warmupContainers of them synchronously before returning, the remainder in
// the background. It fails only if zero containers were created.
func (p *Pool) Initialize(ctx context.Context) error {
	if _, err := p.runtime.List(ctx, nil); err != nil {
		return fmt.Errorf("pool: runtime validation failed: %w", err)
	}

	p.mu.Lock()
	tmpl := p.defaultTemplate
	warmup := p.poolCfg.WarmupContainers
	target := p.poolCfg.MinSize
	p.mu.Unlock()

	if tmpl == "" {
		return fmt.Errorf("pool: no default template registered")
	}
	if warmup > target {
		warmup = target
	}

	var created int
	for i := 0; i < warmup; i++ {
		if _, err := p.CreateContainer(ctx, tmpl); err != nil {
			p.logger.Error().Err(err).Msg("warmup container creation failed")
			continue
		}
		created++
	}

	remaining := target - warmup
	if remaining > 0 {
		go func() {
			var wg sync.WaitGroup
			for i := 0; i < remaining; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := p.CreateContainer(context.Background(), tmpl); err != nil {
						p.logger.Error().Err(err).Msg("background container creation failed")
					}
				}()
			}
			wg.Wait()
		}()
	}

	if created == 0 && warmup > 0 {
		return fmt.Errorf("pool: failed to create any warmup containers")
	}
	return nil
}

// CreateContainer creates, starts, and (best-effort) primes one container
// from templateName, then publishes it to the available set.
func (p *Pool) CreateContainer(ctx context.Context, templateName string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerCreateDuration)

	p.mu.Lock()
	tmpl, ok := p.templates[templateName]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("pool: unknown template %q", templateName)
	}

	id, err := p.runtime.Create(ctx, tmpl, uuid.NewString())
	if err != nil {
		return "", err
	}

	record := &types.Container{
		ID:        id,
		Template:  templateName,
		State:     types.StateCreated,
		CreatedAt: time.Now(),
		Limits:    tmpl.Limits,
	}
	p.mu.Lock()
	p.containers[id] = record
	p.mu.Unlock()

	p.state.Track(id, types.StateCreated)
	p.publish(events.EventContainerCreated, id, "container created")

	if err := p.state.Transition(ctx, id, types.StateStarting, "starting"); err != nil {
		return id, err
	}
	if err := p.runtime.Start(ctx, id); err != nil {
		_ = p.state.ForceTransition(ctx, id, types.StateFailed, "start failed")
		return id, err
	}

	now := time.Now()
	p.mu.Lock()
	record.StartedAt = &now
	p.mu.Unlock()

	if err := p.state.Transition(ctx, id, types.StateRunning, "started"); err != nil {
		return id, err
	}

	for _, cmd := range tmpl.SetupCommands {
		if _, err := p.runtime.Exec(ctx, id, cmd, false); err != nil {
			p.logger.Warn().Err(err).Str("container_id", id).Strs("cmd", cmd).Msg("setup command failed")
		}
	}

	if err := p.state.Transition(ctx, id, types.StateAvailable, "ready"); err != nil {
		return id, err
	}
	return id, nil
}

// Acquire selects a container for req, requesting a scale-up and waiting
// briefly when the available set is empty. It fails only when no container
// becomes available within the bounded wait.
func (p *Pool) Acquire(ctx context.Context, req types.JobRequirements) (*types.Container, error) {
	candidates := p.availableCandidates()
	if len(candidates) == 0 {
		if p.scaler != nil {
			_ = p.scaler.RequestScaleUp(ctx, 1)
		}
		deadline := time.Now().Add(acquireWait)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(acquirePollInterval):
			}
			candidates = p.availableCandidates()
			if len(candidates) > 0 {
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, control.ErrNoCapacity
	}

	p.mu.Lock()
	selector := p.selector
	p.mu.Unlock()

	chosen, err := selector.Select(candidates, req)
	if err != nil {
		// A failing override selector falls back to the default LRU policy.
		chosen, err = (&lruSelector{unhealthyThreshold: p.unhealthyThreshold}).Select(candidates, req)
	}
	if err != nil {
		return nil, err
	}

	if err := p.state.Transition(ctx, chosen.ID, types.StateBusy, "assigned"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	now := time.Now()
	chosen.LastAssignedAt = &now
	chosen.JobCount++
	out := *chosen
	p.mu.Unlock()

	p.publish(events.EventContainerAssigned, chosen.ID, "container assigned")
	return &out, nil
}

func (p *Pool) availableCandidates() []*types.Container {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Container, 0, len(p.available))
	for id := range p.available {
		if c, ok := p.containers[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Release records the job outcome and either recycles the container or
// returns it to the available set. It never fails its caller; internal
// failures escalate to Remove.
func (p *Pool) Release(ctx context.Context, id string, result types.JobResult) {
	p.mu.Lock()
	c, ok := p.containers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry := types.HistoryEntry{Timestamp: time.Now(), Duration: time.Duration(result.DurationMS) * time.Millisecond, Success: result.Success, Resource: result.Resource}
	if result.Fingerprint != nil {
		entry.Fingerprint = *result.Fingerprint
	}
	c.AppendHistory(entry)
	c.LastResource = result.Resource
	if !result.Success {
		c.FailureCount++
	}
	shouldRecycle := c.JobCount >= p.maxReuseCount || time.Since(c.CreatedAt) > p.maxAge || c.FailureCount >= p.unhealthyThreshold
	template := c.Template
	p.mu.Unlock()

	if shouldRecycle {
		if err := p.recycle(ctx, id, template); err != nil {
			p.logger.Error().Err(err).Str("container_id", id).Msg("recycle failed, escalating to remove")
			_ = p.Remove(ctx, id)
		}
		return
	}

	for _, cmd := range p.containerCfg.CleanupCommands {
		if _, err := p.runtime.Exec(ctx, id, cmd, false); err != nil {
			p.logger.Warn().Err(err).Str("container_id", id).Msg("cleanup command failed")
		}
	}

	if err := p.state.Transition(ctx, id, types.StateAvailable, "released"); err != nil {
		p.logger.Error().Err(err).Str("container_id", id).Msg("release transition failed, escalating to remove")
		_ = p.Remove(ctx, id)
		return
	}
	p.publish(events.EventContainerReturned, id, "container returned")
}

func (p *Pool) recycle(ctx context.Context, id, template string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerRecycleDuration)

	_ = p.state.Transition(ctx, id, types.StateRecycling, "recycle policy triggered")
	if err := p.Remove(ctx, id); err != nil {
		return err
	}
	if p.Size() < p.poolCfg.MinSize {
		if _, err := p.CreateContainer(ctx, template); err != nil {
			p.logger.Error().Err(err).Msg("replacement container creation failed")
		}
	}
	return nil
}

// Recycle is the explicit operation callers (e.g. the optimizer's
// preemptive path) invoke to retire and, if needed, replace a container.
func (p *Pool) Recycle(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.containers[id]
	p.mu.Unlock()
	if !ok {
		return control.ErrNotFound
	}
	return p.recycle(ctx, id, c.Template)
}

// Remove stops and force-removes id via the runtime, deletes its record
// from every set, and untracks it. Idempotent: removing an unknown id is a
// no-op.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.containers[id]
	delete(p.containers, id)
	delete(p.available, id)
	delete(p.busy, id)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	_ = p.runtime.Stop(ctx, id, 10)
	err := p.runtime.Remove(ctx, id, true)
	p.state.Untrack(id)
	p.publish(events.EventContainerRemoved, id, "container removed")
	return err
}

// NotifyAvailable implements state.PartitionNotifier.
func (p *Pool) NotifyAvailable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, id)
	if c, ok := p.containers[id]; ok {
		c.State = types.StateAvailable
		p.available[id] = struct{}{}
	}
}

// NotifyBusy implements state.PartitionNotifier.
func (p *Pool) NotifyBusy(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.available, id)
	if c, ok := p.containers[id]; ok {
		c.State = types.StateBusy
		p.busy[id] = struct{}{}
	}
}

func (p *Pool) publish(t events.EventType, id, msg string) {
	if p.sink == nil {
		return
	}
	p.sink.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"container_id": id}})
}

// Size returns the total number of tracked containers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers)
}

// AvailableCount returns the size of the available partition.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// BusyCount returns the size of the busy partition.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Snapshot returns a shallow copy of every tracked container record.
func (p *Pool) Snapshot() []*types.Container {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Container, 0, len(p.containers))
	for _, c := range p.containers {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// DefaultTemplate returns the name of the template new containers are
// created from when the scaler grows the pool.
func (p *Pool) DefaultTemplate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultTemplate
}

// Get returns a copy of one tracked container's record.
func (p *Pool) Get(id string) (*types.Container, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

var _ state.PartitionNotifier = (*Pool)(nil)
