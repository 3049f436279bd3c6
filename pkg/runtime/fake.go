package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anubissbe/runnerhub/pkg/types"
)

// FakeRuntime is an in-memory ContainerRuntime test double. It never talks
// to a real container runtime; Create/Start/Stop/Remove just flip bookkeeping
// so pool, state, and monitor tests can drive lifecycle transitions without
// containerd.
type FakeRuntime struct {
	mu          sync.Mutex
	containers  map[string]*fakeContainer
	FailCreate  error
	FailStart   error
	StatsByID   map[string]StatsResult
	InspectFunc func(id string) InspectResult
}

type fakeContainer struct {
	id        string
	template  types.Template
	running   bool
	removed   bool
	labels    map[string]string
	createdAt time.Time
}

// NewFakeRuntime returns an empty FakeRuntime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *FakeRuntime) Create(ctx context.Context, template types.Template, idHint string) (string, error) {
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := idHint
	if id == "" {
		id = uuid.NewString()
	}
	labels := map[string]string{types.PoolLabel: template.Name}
	for k, v := range template.Labels {
		labels[k] = v
	}
	f.containers[id] = &fakeContainer{id: id, template: template, labels: labels, createdAt: time.Now()}
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, id string) error {
	if f.FailStart != nil {
		return f.FailStart
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("fake runtime: unknown container %s", id)
	}
	c.running = true
	return nil
}

func (f *FakeRuntime) Exec(ctx context.Context, id string, argv []string, attach bool) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return ExecResult{}, fmt.Errorf("fake runtime: unknown container %s", id)
	}
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, id string, graceSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.removed = true
		c.running = false
	}
	return nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, id string) (InspectResult, error) {
	if f.InspectFunc != nil {
		return f.InspectFunc(id), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return InspectResult{Dead: true}, nil
	}
	return InspectResult{Running: c.running, Dead: c.removed}, nil
}

func (f *FakeRuntime) Stats(ctx context.Context, id string) (StatsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.StatsByID[id]; ok {
		return s, nil
	}
	return StatsResult{SampledAt: time.Now()}, nil
}

func (f *FakeRuntime) List(ctx context.Context, labelFilter map[string]string) ([]ListEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ListEntry
	for _, c := range f.containers {
		if c.removed {
			continue
		}
		if !matchesLabels(c.labels, labelFilter) {
			continue
		}
		out = append(out, ListEntry{ID: c.id, Labels: c.labels, CreatedAt: c.createdAt})
	}
	return out, nil
}

// IsRunning reports whether id is currently started, for test assertions.
func (f *FakeRuntime) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.running
}

var _ ContainerRuntime = (*FakeRuntime)(nil)
