package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the outbox in memory for development mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	seq    int64
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

var _ Store = (*MemoryStore)(nil)

// Append ignores an event whose ID is already stored.
func (m *MemoryStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return nil
	}
	m.seq++
	cp := *e
	cp.Seq = m.seq
	m.events[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time, maxAttempts, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.DeliveredAt != nil || e.NextAttemptAt.After(now) {
			continue
		}
		if maxAttempts > 0 && e.Attempts >= maxAttempts {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.DeliveredAt = &at
	e.LastError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LastError = lastErr
	return nil
}

func (m *MemoryStore) PruneDelivered(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.events {
		if e.DeliveredAt != nil && e.DeliveredAt.Before(before) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Pending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of one event.
func (m *MemoryStore) Get(id string) (*Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}
