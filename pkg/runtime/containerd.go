package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/anubissbe/runnerhub/pkg/control"
	"github.com/anubissbe/runnerhub/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace the control plane's
	// containers are created under.
	DefaultNamespace = "runnerhub"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements ContainerRuntime against a containerd daemon.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime dials the containerd socket at socketPath (or
// DefaultSocketPath when empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client, namespace: DefaultNamespace}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Create pulls the template's image if needed and creates a container with
// its env, resource limits, and tmpfs paths applied as OCI spec options.
// If a container named idHint already exists, its id is returned unchanged.
func (r *ContainerdRuntime) Create(ctx context.Context, template types.Template, idHint string) (string, error) {
	ctx = r.ctx(ctx)

	if existing, err := r.client.LoadContainer(ctx, idHint); err == nil {
		return existing.ID(), nil
	}

	image, err := r.client.GetImage(ctx, template.BaseImage)
	if err != nil {
		image, err = r.client.Pull(ctx, template.BaseImage, containerd.WithPullUnpack)
		if err != nil {
			return "", control.Semantic("create", fmt.Errorf("pull image %s: %w", template.BaseImage, err))
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(template.Env),
	}
	if template.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(template.WorkingDir))
	}
	if limits := template.Limits; limits.CPUNanos > 0 {
		quota := limits.CPUNanos / 1000
		period := uint64(100000)
		shares := uint64(limits.CPUNanos / 1_000_000)
		opts = append(opts, oci.WithCPUCFS(quota, period), oci.WithCPUShares(shares))
	}
	if template.Limits.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(template.Limits.MemoryBytes)))
	}

	var mounts []specs.Mount
	for _, path := range template.TmpfsPaths {
		size := template.Limits.TmpfsSizeBytes
		opt := fmt.Sprintf("size=%d", size)
		if size <= 0 {
			opt = "size=67108864"
		}
		mounts = append(mounts, specs.Mount{
			Destination: path,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"noexec", "nosuid", "nodev", opt},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{types.PoolLabel: template.Name}
	for k, v := range template.Labels {
		labels[k] = v
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		idHint,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(idHint+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", control.Transient("create", fmt.Errorf("new container: %w", err))
	}

	return ctrdContainer.ID(), nil
}

// Start creates the runtime task and starts it.
func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return control.Transient("start", fmt.Errorf("load container %s: %w", id, err))
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return control.Transient("start", fmt.Errorf("new task: %w", err))
	}
	if err := task.Start(ctx); err != nil {
		return control.Transient("start", fmt.Errorf("start task: %w", err))
	}
	return nil
}

// Exec runs argv inside the container's task and captures its output when
// attach is true.
func (r *ContainerdRuntime) Exec(ctx context.Context, id string, argv []string, attach bool) (ExecResult, error) {
	ctx = r.ctx(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return ExecResult{}, control.Transient("exec", fmt.Errorf("load container %s: %w", id, err))
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return ExecResult{}, control.Transient("exec", fmt.Errorf("load task: %w", err))
	}

	spec, err := c.Spec(ctx)
	if err != nil {
		return ExecResult{}, control.Transient("exec", fmt.Errorf("load spec: %w", err))
	}
	procSpec := spec.Process
	procSpec.Args = argv

	var stdout bytes.Buffer
	ioCreator := cio.NullIO
	if attach {
		ioCreator = cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout))
	}

	process, err := task.Exec(ctx, "exec-"+id, procSpec, ioCreator)
	if err != nil {
		return ExecResult{}, control.Transient("exec", fmt.Errorf("exec: %w", err))
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return ExecResult{}, control.Transient("exec", fmt.Errorf("wait: %w", err))
	}
	if err := process.Start(ctx); err != nil {
		return ExecResult{}, control.Transient("exec", fmt.Errorf("start process: %w", err))
	}

	status := <-statusC
	return ExecResult{ExitCode: int(status.ExitCode()), Stdout: stdout.Bytes()}, nil
}

// Stop sends SIGTERM, waits graceSeconds, then SIGKILLs and deletes the task.
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, graceSeconds int) error {
	ctx = r.ctx(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return control.Transient("stop", fmt.Errorf("load container %s: %w", id, err))
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	grace := time.Duration(graceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return control.Transient("stop", fmt.Errorf("kill SIGTERM: %w", err))
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return control.Transient("stop", fmt.Errorf("wait: %w", err))
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return control.Transient("stop", fmt.Errorf("kill SIGKILL: %w", err))
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return control.Transient("stop", fmt.Errorf("delete task: %w", err))
	}
	return nil
}

// Remove stops (when force) and deletes a container and its snapshot.
func (r *ContainerdRuntime) Remove(ctx context.Context, id string, force bool) error {
	ctx = r.ctx(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}

	if force {
		if err := r.Stop(ctx, id, 0); err != nil && !control.IsRetryable(err) {
			return err
		}
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return control.Transient("remove", fmt.Errorf("delete container: %w", err))
	}
	return nil
}

// Inspect reports the runtime-observed lifecycle flags for id.
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (InspectResult, error) {
	ctx = r.ctx(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return InspectResult{Dead: true}, control.Transient("inspect", fmt.Errorf("load container %s: %w", id, err))
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return InspectResult{}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return InspectResult{}, control.Transient("inspect", fmt.Errorf("task status: %w", err))
	}

	switch status.Status {
	case containerd.Running:
		return InspectResult{Running: true}, nil
	case containerd.Paused:
		return InspectResult{Running: true, Paused: true}, nil
	case containerd.Stopped:
		return InspectResult{Dead: true, ExitCode: int(status.ExitStatus)}, nil
	default:
		return InspectResult{}, nil
	}
}

// Stats returns a point-in-time resource usage snapshot for id.
//
// TODO: wire per-network rx/tx once the cgroup v2 net_cls accounting path
// is plumbed through; until then NetRxBytes/NetTxBytes read zero.
func (r *ContainerdRuntime) Stats(ctx context.Context, id string) (StatsResult, error) {
	ctx = r.ctx(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return StatsResult{}, control.Transient("stats", fmt.Errorf("load container %s: %w", id, err))
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return StatsResult{}, control.Transient("stats", fmt.Errorf("load task: %w", err))
	}

	_, err = task.Metrics(ctx)
	if err != nil {
		return StatsResult{}, control.Transient("stats", fmt.Errorf("metrics: %w", err))
	}

	// Metrics() returns a runtime-specific typeurl.Any that must be
	// decoded per cgroup version (v1 vs v2). This adapter does not decode
	// it: only SampledAt is set, and every usage counter (CPU, memory,
	// block I/O, network, PIDs) reads zero.
	return StatsResult{SampledAt: time.Now()}, nil
}

// List returns every container in the runtime's namespace whose labels are
// a superset of labelFilter, for orphan discovery.
func (r *ContainerdRuntime) List(ctx context.Context, labelFilter map[string]string) ([]ListEntry, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, control.Transient("list", fmt.Errorf("list containers: %w", err))
	}

	entries := make([]ListEntry, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		if !matchesLabels(info.Labels, labelFilter) {
			continue
		}
		entries = append(entries, ListEntry{ID: c.ID(), Labels: info.Labels, CreatedAt: info.CreatedAt})
	}
	return entries, nil
}

// matchesLabels reports whether have satisfies want. An empty filter value
// means "key must be present, any value"; a non-empty value must match
// exactly. This lets List(label_filter) do both a broad pool-label scan and
// a narrow exact-label lookup.
func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok {
			return false
		}
		if v != "" && hv != v {
			return false
		}
	}
	return true
}

var _ ContainerRuntime = (*ContainerdRuntime)(nil)
