// Package types holds the data model shared by every control-plane
// component: container records, job fingerprints, templates, and the
// bounded history/metrics records the pool, optimizer, and monitor produce.
package types

import (
	"time"
)

// ContainerState is the StateManager's state machine enum.
type ContainerState string

const (
	StateInitializing ContainerState = "initializing"
	StateCreated      ContainerState = "created"
	StateStarting     ContainerState = "starting"
	StateRunning      ContainerState = "running"
	StateAvailable    ContainerState = "available"
	StateBusy         ContainerState = "busy"
	StateStopping     ContainerState = "stopping"
	StateStopped      ContainerState = "stopped"
	StateFailed       ContainerState = "failed"
	StateRecycling    ContainerState = "recycling"
	StateUnknown      ContainerState = "unknown"
)

// AllContainerStates enumerates every state in the machine, for callers
// that need to report a count (even zero) per state.
var AllContainerStates = []ContainerState{
	StateInitializing, StateCreated, StateStarting, StateRunning,
	StateAvailable, StateBusy, StateStopping, StateStopped,
	StateFailed, StateRecycling, StateUnknown,
}

// ResourceSnapshot is the last observed per-container resource usage.
type ResourceSnapshot struct {
	CPUPercent    float64
	MemoryUsed    int64
	MemoryLimit   int64
	NetRxBytes    int64
	NetTxBytes    int64
	BlkReadBytes  int64
	BlkWriteBytes int64
	PIDs          int
	SampledAt     time.Time
}

// ResourceLimits are the template-recorded resource limits for a container.
type ResourceLimits struct {
	MemoryBytes    int64
	CPUNanos       int64
	NetworkMode    string
	TmpfsSizeBytes int64
}

// Container is the pool's record for one managed container.
type Container struct {
	ID             string
	Template       string
	State          ContainerState
	CreatedAt      time.Time
	StartedAt      *time.Time
	LastAssignedAt *time.Time
	JobCount       int
	FailureCount   int
	LastResource   ResourceSnapshot
	Limits         ResourceLimits

	// History is the bounded per-container job history the pool appends
	// to and the optimizer reads. Capped at HistoryCap entries, oldest evicted.
	History []HistoryEntry
}

// HistoryCap bounds the per-container job history FIFO.
const HistoryCap = 100

// HistoryEntry is one past job outcome recorded against a container.
type HistoryEntry struct {
	Timestamp   time.Time
	Fingerprint Fingerprint
	Duration    time.Duration
	Success     bool
	Resource    ResourceSnapshot
}

// AppendHistory appends an entry to a container's history, evicting the
// oldest entry once HistoryCap is reached.
func (c *Container) AppendHistory(e HistoryEntry) {
	c.History = append(c.History, e)
	if len(c.History) > HistoryCap {
		c.History = c.History[len(c.History)-HistoryCap:]
	}
}

// Template is a declarative container shape.
type Template struct {
	Name          string
	BaseImage     string
	WorkingDir    string
	Env           []string
	Labels        map[string]string
	Limits        ResourceLimits
	SecurityOpts  []string
	TmpfsPaths    []string
	SetupCommands [][]string
}

// PoolLabel is the label every pool-managed container must carry, used by
// StateManager's List(label_filter) orphan scan.
const PoolLabel = "runnerhub.pool"

// ResourceClass buckets a job's resource ask into coarse classes used by
// the fingerprint's resource-class triple.
type ResourceClass string

const (
	ResourceClassSmall  ResourceClass = "small"
	ResourceClassMedium ResourceClass = "medium"
	ResourceClassLarge  ResourceClass = "large"
)

// Fingerprint is a job's structural summary used for affinity scoring.
type Fingerprint struct {
	JobType      string
	Language     string
	Framework    string
	CPUClass     ResourceClass
	MemoryClass  ResourceClass
	DiskClass    ResourceClass
	Dependencies []string
	EnvHash      string
}

// JobRequirements is what a caller passes to Acquire: the job fingerprint
// plus the resource shape the scheduler needs honored.
type JobRequirements struct {
	Fingerprint Fingerprint
	Template    string
	CPUCores    float64
	MemoryBytes int64
}

// JobResult is what a caller passes to Release/ReturnContainer.
type JobResult struct {
	Success     bool
	DurationMS  int64
	Resource    ResourceSnapshot
	Fingerprint *Fingerprint
}

// SystemSample is one tick of host-wide resource sampling.
type SystemSample struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	LoadAverage   float64
	ProcessCount  int
}

// AggregatedWindow holds avg/min/max/p95 over a rolling window.
type AggregatedWindow struct {
	Avg, Min, Max, P95 float64
	Count              int
}

// AlertSeverity is the band an alert was raised at.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a single threshold/anomaly crossing.
type Alert struct {
	ID          string
	Timestamp   time.Time
	ResourceKey string
	Severity    AlertSeverity
	Message     string
	Metadata    map[string]string
	Resolved    bool
}

// TransitionLogEntry is one row of the state-transition log.
type TransitionLogEntry struct {
	Timestamp   time.Time
	ContainerID string
	From        ContainerState
	To          ContainerState
	Reason      string
	Forced      bool
	Metadata    map[string]string
}

// ScaleDecisionKind is the DynamicScaler's decision enum.
type ScaleDecisionKind string

const (
	ScaleNone ScaleDecisionKind = "none"
	ScaleUp   ScaleDecisionKind = "scale_up"
	ScaleDown ScaleDecisionKind = "scale_down"
)

// ScalePriority distinguishes emergency scaling from routine scaling.
type ScalePriority string

const (
	PriorityNormal    ScalePriority = "normal"
	PriorityEmergency ScalePriority = "emergency"
)

// ScaleDecision is one output of the scaler's evaluation pass.
type ScaleDecision struct {
	Kind       ScaleDecisionKind
	Count      int
	Priority   ScalePriority
	Confidence float64
	Reason     string
	DecidedAt  time.Time
}

// Suggestion is a rule-derived recommendation emitted by the monitor
// and acted on, or ignored, by the coordinator.
type Suggestion struct {
	ID          string
	Kind        string
	Target      string
	Reason      string
	GeneratedAt time.Time
}

// Anomaly is a z-score flag raised against a tracked series.
type Anomaly struct {
	SeriesKey    string
	Value        float64
	ZScore       float64
	HighSeverity bool
	DetectedAt   time.Time
}
