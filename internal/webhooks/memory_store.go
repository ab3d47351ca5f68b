package webhooks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation for development and tests
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListActive(_ context.Context, topic string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Active && s.Wants(topic) }), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			result = append(result, clone(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Topics = append([]string(nil), s.Topics...)
	return &cp
}
