// Package runtime defines the ContainerRuntime capability
// consumed by pkg/pool, pkg/state, and pkg/monitor, plus a containerd-backed
// implementation.
package runtime

import (
	"context"
	"time"

	"github.com/anubissbe/runnerhub/pkg/types"
)

// InspectResult is the subset of runtime-reported container state the state
// manager and monitor need to reconcile and sample.
type InspectResult struct {
	Running    bool
	Paused     bool
	Restarting bool
	OOMKilled  bool
	Dead       bool
	ExitCode   int
}

// StatsResult is one runtime stats snapshot.
type StatsResult struct {
	CPUUsageNanos int64
	MemoryUsed    int64
	MemoryLimit   int64
	MemoryCache   int64
	BlkReadBytes  int64
	BlkWriteBytes int64
	NetRxBytes    int64
	NetTxBytes    int64
	PIDs          int
	SampledAt     time.Time
}

// ListEntry is one row of List's orphan-discovery scan.
type ListEntry struct {
	ID        string
	Labels    map[string]string
	CreatedAt time.Time
}

// ExecResult is the outcome of a one-shot Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
}

// ContainerRuntime is the capability PoolManager, StateManager, and
// ResourceMonitor consume to drive the underlying container runtime. It
// reports transport failures as retryable (control.Transient) and semantic
// failures — missing image, invalid spec — as terminal (control.Semantic).
type ContainerRuntime interface {
	// Create is idempotent by the client-chosen idHint; the returned
	// container exists in the runtime's "created" state.
	Create(ctx context.Context, template types.Template, idHint string) (id string, err error)
	Start(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, argv []string, attach bool) (ExecResult, error)
	Stop(ctx context.Context, id string, graceSeconds int) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (InspectResult, error)
	Stats(ctx context.Context, id string) (StatsResult, error)
	List(ctx context.Context, labelFilter map[string]string) ([]ListEntry, error)
}
