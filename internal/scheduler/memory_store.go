package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type taskKey struct {
	entityID string
	kind     Kind
}

// MemoryStore is an in-memory task store for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[taskKey]*Task
	version int64
}

// NewMemoryStore creates an empty task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[taskKey]*Task)}
}

func (m *MemoryStore) Upsert(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := taskKey{task.EntityID, task.Kind}
	m.version++
	cp := *task
	cp.Attempts = 0
	cp.LastError = ""
	cp.State = TaskPending
	cp.Version = m.version
	if existing, ok := m.tasks[k]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.tasks[k] = &cp
	task.Version = cp.Version
	return nil
}

func (m *MemoryStore) Get(_ context.Context, entityID string, kind Kind) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskKey{entityID, kind}]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, entityID string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskKey{entityID, kind})
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.State == TaskPending && !t.DueAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].Version < out[j].Version
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStuck(_ context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.State == TaskStuck {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Complete(_ context.Context, task *Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := taskKey{task.EntityID, task.Kind}
	cur, ok := m.tasks[k]
	if !ok || cur.Version != task.Version {
		return false, nil
	}
	delete(m.tasks, k)
	return true, nil
}

func (m *MemoryStore) Reschedule(_ context.Context, task *Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[taskKey{task.EntityID, task.Kind}]
	if !ok || cur.Version != task.Version {
		return false, nil
	}
	cur.DueAt = task.DueAt
	cur.Attempts = task.Attempts
	cur.LastError = task.LastError
	cur.State = task.State
	cur.UpdatedAt = task.UpdatedAt
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
