package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// MemoryRegistry keeps tasks in a map. State is lost on restart.
type MemoryRegistry struct {
	mu    sync.Mutex
	ttl   time.Duration
	tasks map[string]*memoryTask
	done  map[string]memoryCompletion
	clock func() time.Time
}

type memoryTask struct {
	task     model.UploadTask
	received map[int]struct{}
}

type memoryCompletion struct {
	c       model.Completion
	expires time.Time
}

// NewMemoryRegistry constructs a MemoryRegistry whose tasks live for ttl.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:   ttl,
		tasks: make(map[string]*memoryTask),
		done:  make(map[string]memoryCompletion),
		clock: time.Now,
	}
}

// Create implements Registry.
func (m *MemoryRegistry) Create(_ context.Context, meta model.TaskMeta) (*model.UploadTask, error) {
	id, err := NewTaskID()
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = &memoryTask{
		task: model.UploadTask{
			ID:        id,
			TaskMeta:  meta,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		},
		received: make(map[int]struct{}),
	}
	return m.snapshot(m.tasks[id]), nil
}

// Get implements Registry.
func (m *MemoryRegistry) Get(_ context.Context, id string) (*model.UploadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(t), nil
}

// AddChunk implements Registry.
func (m *MemoryRegistry) AddChunk(_ context.Context, id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.live(id)
	if err != nil {
		return err
	}
	t.received[index] = struct{}{}
	return nil
}

// Retire implements Registry.
func (m *MemoryRegistry) Retire(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// MarkCompleted implements Registry.
func (m *MemoryRegistry) MarkCompleted(_ context.Context, id string, c model.Completion, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[id] = memoryCompletion{c: c, expires: m.clock().Add(ttl)}
	return nil
}

// Completion implements Registry.
func (m *MemoryRegistry) Completion(_ context.Context, id string) (*model.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.done[id]
	if !ok {
		return nil, nil
	}
	if !m.clock().Before(d.expires) {
		delete(m.done, id)
		return nil, nil
	}
	c := d.c
	return &c, nil
}

// live returns the task or drops it if it has expired. Callers hold mu.
func (m *MemoryRegistry) live(id string) (*memoryTask, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !m.clock().Before(t.task.ExpiresAt) {
		delete(m.tasks, id)
		return nil, ErrTaskNotFound
	}
	return t, nil
}

func (m *MemoryRegistry) snapshot(t *memoryTask) *model.UploadTask {
	out := t.task
	out.Received = make([]int, 0, len(t.received))
	for idx := range t.received {
		out.Received = append(out.Received, idx)
	}
	sort.Ints(out.Received)
	return &out
}
