// Package state implements the container lifecycle state machine: the valid-transition table, serialized per-container transitions,
// state-entry side effects (recovery scheduling, stopping watchdog,
// recycling teardown), and the reconciliation loop that keeps tracked state
// aligned with what the runtime actually reports.
package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/control"
	"github.com/anubissbe/runnerhub/pkg/events"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/types"
)

// transitions is the valid-transition table. Any edge not
// listed here is rejected by Transition; ForceTransition bypasses it.
var transitions = map[types.ContainerState][]types.ContainerState{
	types.StateInitializing: {types.StateCreated, types.StateFailed},
	types.StateCreated:      {types.StateStarting, types.StateFailed},
	types.StateStarting:     {types.StateRunning, types.StateFailed},
	types.StateRunning:      {types.StateAvailable, types.StateBusy, types.StateStopping, types.StateFailed},
	types.StateAvailable:    {types.StateBusy, types.StateStopping, types.StateRecycling, types.StateFailed},
	types.StateBusy:         {types.StateAvailable, types.StateStopping, types.StateRecycling, types.StateFailed},
	types.StateStopping:     {types.StateStopped, types.StateFailed},
	types.StateStopped:      {types.StateStarting, types.StateRecycling},
	types.StateFailed:       {types.StateRecycling, types.StateStarting},
	types.StateRecycling:    {types.StateInitializing},
	types.StateUnknown:      {types.StateInitializing, types.StateFailed, types.StateRecycling},
}

// maxStateDuration bounds how long a container may sit in a transient state
// before the reconciliation loop flags it as stuck.
var maxStateDuration = map[types.ContainerState]time.Duration{
	types.StateStarting:  60 * time.Second,
	types.StateStopping:  30 * time.Second,
	types.StateRecycling: 120 * time.Second,
}

// recyclingGrace is how long a container sits in recycling before its
// tracking record is torn down, so late events from the runtime settle.
const recyclingGrace = 5 * time.Second

// CanTransition reports whether from -> to is a valid edge in the table.
func CanTransition(from, to types.ContainerState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PartitionNotifier lets the pool keep its available/busy partition sets in
// sync with state changes the StateManager drives on its own (reconciliation
// corrections, recovery outcomes), not just pool-initiated ones.
type PartitionNotifier interface {
	NotifyAvailable(id string)
	NotifyBusy(id string)
}

type record struct {
	state            types.ContainerState
	enteredAt        time.Time
	generation       uint64
	recoveryAttempts int
}

// Manager tracks every pool-managed container's lifecycle state and drives
// its transitions, side effects, and reconciliation against the runtime.
type Manager struct {
	mu         sync.Mutex
	containers map[string]*record

	runtime  runtime.ContainerRuntime
	sink     events.Sink
	notifier PartitionNotifier

	validation config.StateValidation
	recovery   config.StateRecovery

	logger zerolog.Logger

	rejections int64

	logMu        sync.Mutex
	transitionLog []types.TransitionLogEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// transitionLogCap bounds the in-memory audit trail.
const transitionLogCap = 500

// New constructs a Manager. rt and sink must be non-nil; validation and
// recovery come from config.Config.
func New(rt runtime.ContainerRuntime, sink events.Sink, validation config.StateValidation, recovery config.StateRecovery) *Manager {
	return &Manager{
		containers: make(map[string]*record),
		runtime:    rt,
		sink:       sink,
		validation: validation,
		recovery:   recovery,
		logger:     log.WithComponent("state"),
		stopCh:     make(chan struct{}),
	}
}

// SetPartitionNotifier registers the pool (or any partition-aware observer)
// to be told when a container enters available or busy.
func (m *Manager) SetPartitionNotifier(n PartitionNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// Track begins tracking id at the given initial state. Existing tracking is
// overwritten, which is how the reconciliation loop adopts orphans.
func (m *Manager) Track(id string, initial types.ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[id] = &record{state: initial, enteredAt: time.Now()}
}

// Untrack drops a container's tracking record entirely.
func (m *Manager) Untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
}

// Get returns a tracked container's current state.
func (m *Manager) Get(id string) (types.ContainerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.containers[id]
	if !ok {
		return types.StateUnknown, false
	}
	return r.state, true
}

// RejectionCount returns how many Transition calls were rejected as invalid.
func (m *Manager) RejectionCount() int64 {
	return atomic.LoadInt64(&m.rejections)
}

// TransitionLog returns a copy of the bounded audit trail, newest last.
func (m *Manager) TransitionLog() []types.TransitionLogEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([]types.TransitionLogEntry, len(m.transitionLog))
	copy(out, m.transitionLog)
	return out
}

// Transition validates from->to against the transition table and, if valid,
// applies it. ErrInvalidTransition is returned (and the rejection counter
// incremented) for disallowed edges.
func (m *Manager) Transition(ctx context.Context, id string, to types.ContainerState, reason string) error {
	m.mu.Lock()
	r, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return control.ErrNotFound
	}
	from := r.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		atomic.AddInt64(&m.rejections, 1)
		m.publish(events.EventInvalidTransition, fmt.Sprintf("rejected %s: %s -> %s", id, from, to), id)
		return control.ErrInvalidTransition
	}
	gen := m.applyLocked(r, to)
	m.mu.Unlock()

	m.record(id, from, to, reason, false)
	m.onEnter(ctx, id, to, gen)
	return nil
}

// ForceTransition applies to unconditionally, bypassing the transition
// table, for reconciliation corrections and watchdog/recovery paths. It is
// always audited with Forced=true.
func (m *Manager) ForceTransition(ctx context.Context, id string, to types.ContainerState, reason string) error {
	m.mu.Lock()
	r, ok := m.containers[id]
	if !ok {
		m.containers[id] = &record{state: to, enteredAt: time.Now()}
		m.mu.Unlock()
		m.record(id, types.StateUnknown, to, reason, true)
		m.onEnter(ctx, id, to, 0)
		return nil
	}
	from := r.state
	gen := m.applyLocked(r, to)
	m.mu.Unlock()

	m.record(id, from, to, reason, true)
	m.onEnter(ctx, id, to, gen)
	return nil
}

func (m *Manager) applyLocked(r *record, to types.ContainerState) uint64 {
	r.state = to
	r.enteredAt = time.Now()
	r.generation++
	if to != types.StateFailed {
		r.recoveryAttempts = 0
	}
	return r.generation
}

func (m *Manager) record(id string, from, to types.ContainerState, reason string, forced bool) {
	entry := types.TransitionLogEntry{
		Timestamp:   time.Now(),
		ContainerID: id,
		From:        from,
		To:          to,
		Reason:      reason,
		Forced:      forced,
	}
	m.logMu.Lock()
	m.transitionLog = append(m.transitionLog, entry)
	if len(m.transitionLog) > transitionLogCap {
		m.transitionLog = m.transitionLog[len(m.transitionLog)-transitionLogCap:]
	}
	m.logMu.Unlock()

	m.publish(events.EventStateTransitioned, fmt.Sprintf("%s: %s -> %s (%s)", id, from, to, reason), id)
}

func (m *Manager) publish(t events.EventType, msg, containerID string) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"container_id": containerID},
	})
}

// onEnter runs the state-entry side effects. gen pins the
// generation the side effect was scheduled for, so a stale goroutine can
// detect it has been superseded and no-op.
func (m *Manager) onEnter(ctx context.Context, id string, to types.ContainerState, gen uint64) {
	m.mu.Lock()
	notifier := m.notifier
	m.mu.Unlock()

	switch to {
	case types.StateAvailable:
		if notifier != nil {
			notifier.NotifyAvailable(id)
		}
	case types.StateBusy:
		if notifier != nil {
			notifier.NotifyBusy(id)
		}
	case types.StateFailed:
		m.scheduleRecovery(ctx, id, gen)
	case types.StateStopping:
		m.scheduleStoppingWatchdog(ctx, id, gen)
	case types.StateRecycling:
		m.scheduleRecyclingTeardown(id, gen)
	}
}

func (m *Manager) currentGeneration(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.containers[id]
	if !ok {
		return 0, false
	}
	return r.generation, true
}

func (m *Manager) scheduleStoppingWatchdog(ctx context.Context, id string, gen uint64) {
	maxDur := maxStateDuration[types.StateStopping]
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(maxDur)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stopCh:
			return
		}
		if cur, ok := m.currentGeneration(id); !ok || cur != gen {
			return
		}
		m.logger.Warn().Str("container_id", id).Msg("stopping watchdog timeout, forcing failed")
		_ = m.ForceTransition(ctx, id, types.StateFailed, "stopping watchdog timeout")
	}()
}

func (m *Manager) scheduleRecyclingTeardown(id string, gen uint64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(recyclingGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stopCh:
			return
		}
		if cur, ok := m.currentGeneration(id); !ok || cur != gen {
			return
		}
		m.Untrack(id)
		m.publish(events.EventContainerRemoved, fmt.Sprintf("%s: tracking torn down after recycling grace", id), id)
	}()
}

func (m *Manager) scheduleRecovery(ctx context.Context, id string, gen uint64) {
	if !m.recovery.Enable {
		return
	}

	m.mu.Lock()
	r, ok := m.containers[id]
	if !ok || r.generation != gen {
		m.mu.Unlock()
		return
	}
	if r.recoveryAttempts >= m.recovery.MaxAttempts {
		m.mu.Unlock()
		m.logger.Warn().Str("container_id", id).Int("attempts", r.recoveryAttempts).Msg("max recovery attempts exceeded, recycling")
		go func() { _ = m.ForceTransition(ctx, id, types.StateRecycling, "max recovery attempts exceeded") }()
		return
	}
	r.recoveryAttempts++
	attempt := r.recoveryAttempts
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(m.recovery.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stopCh:
			return
		}
		if cur, ok := m.currentGeneration(id); !ok || cur != gen {
			return
		}

		m.logger.Info().Str("container_id", id).Int("attempt", attempt).Msg("attempting container recovery")
		if err := m.runtime.Start(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("container_id", id).Msg("recovery start failed")
			_ = m.ForceTransition(ctx, id, types.StateFailed, "recovery restart failed")
			return
		}
		if err := m.ForceTransition(ctx, id, types.StateStarting, "recovery attempt"); err != nil {
			return
		}

		verifyGen, ok := m.currentGeneration(id)
		if !ok {
			return
		}
		verifyTimer := time.NewTimer(m.recovery.Timeout)
		defer verifyTimer.Stop()
		select {
		case <-verifyTimer.C:
		case <-m.stopCh:
			return
		}
		if cur, ok := m.currentGeneration(id); !ok || cur != verifyGen {
			return
		}

		ins, err := m.runtime.Inspect(ctx, id)
		if err == nil && ins.Running {
			_ = m.ForceTransition(ctx, id, types.StateAvailable, "recovery verified running")
		} else {
			_ = m.ForceTransition(ctx, id, types.StateFailed, "recovery verification failed")
		}
	}()
}

// Start begins the reconciliation loop on validation.Interval.
func (m *Manager) Start(ctx context.Context) {
	if !m.validation.Enable {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.validation.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Reconcile(ctx); err != nil {
					m.logger.Error().Err(err).Msg("reconciliation cycle failed")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the reconciliation loop and all scheduled side effects.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// mapRuntimeStatus maps a runtime inspection to the pool state it implies.
func mapRuntimeStatus(ins runtime.InspectResult) types.ContainerState {
	switch {
	case ins.Dead || ins.OOMKilled:
		return types.StateFailed
	case ins.Restarting:
		return types.StateStarting
	case ins.Running:
		return types.StateRunning
	default:
		return types.StateStopped
	}
}

// compatible reports whether tracked and observed agree closely enough that
// no mismatch is flagged.
func compatible(tracked, observed types.ContainerState) bool {
	if tracked == observed {
		return true
	}
	if observed == types.StateRunning && (tracked == types.StateAvailable || tracked == types.StateBusy) {
		return true
	}
	return false
}

// Reconcile runs one reconciliation pass: inspect every tracked container,
// flag and optionally correct mismatches/stuck states, then discover
// orphans by scanning the runtime for pool-labeled containers it isn't
// tracking.
func (m *Manager) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	defer metrics.ReconciliationCyclesTotal.Inc()

	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.reconcileOne(ctx, id)
	}

	entries, err := m.runtime.List(ctx, map[string]string{types.PoolLabel: ""})
	if err != nil {
		// List with an empty-valued label filter is a broad scan; a
		// transport failure here just skips orphan discovery this cycle.
		return nil
	}
	for _, e := range entries {
		if _, ok := m.Get(e.ID); ok {
			continue
		}
		m.logger.Warn().Str("container_id", e.ID).Msg("orphan container discovered")
		m.Track(e.ID, types.StateUnknown)
		m.publish(events.EventStateTransitioned, fmt.Sprintf("%s: orphan adopted as unknown", e.ID), e.ID)
	}

	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, id string) {
	m.mu.Lock()
	r, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	tracked := r.state
	age := time.Since(r.enteredAt)
	m.mu.Unlock()

	if maxDur, bounded := maxStateDuration[tracked]; bounded && age > maxDur {
		m.logger.Warn().Str("container_id", id).Str("state", string(tracked)).Dur("age", age).Msg("container stuck in state")
		if m.validation.AutoCorrect {
			_ = m.ForceTransition(ctx, id, types.StateFailed, "stuck-state correction")
		}
		return
	}

	ins, err := m.runtime.Inspect(ctx, id)
	if err != nil {
		if !control.IsRetryable(err) && isNonTerminal(tracked) && m.validation.AutoCorrect {
			_ = m.ForceTransition(ctx, id, types.StateFailed, "runtime inaccessible")
		}
		return
	}

	observed := mapRuntimeStatus(ins)
	if compatible(tracked, observed) {
		return
	}

	m.logger.Warn().Str("container_id", id).Str("tracked", string(tracked)).Str("observed", string(observed)).Msg("state mismatch")
	if m.validation.AutoCorrect {
		_ = m.ForceTransition(ctx, id, observed, "reconciliation mismatch correction")
	}
}

func isNonTerminal(s types.ContainerState) bool {
	return s != types.StateStopped && s != types.StateFailed
}
