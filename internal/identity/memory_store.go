package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	seen     map[string]map[string]bool // user -> dispute ids
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		seen:     make(map[string]map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.profiles[p.UserID]; ok {
		existing.TrustScore = p.TrustScore
		existing.Verified = p.Verified
		existing.UpdatedAt = p.UpdatedAt
		return nil
	}
	cp := *p
	m.profiles[p.UserID] = &cp
	return nil
}

func (m *MemoryStore) RecordDispute(_ context.Context, userID, disputeID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[userID] == nil {
		m.seen[userID] = make(map[string]bool)
	}
	if m.seen[userID][disputeID] {
		return false, nil
	}
	m.seen[userID][disputeID] = true

	p, ok := m.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID, TrustScore: NeutralTrust}
		m.profiles[userID] = p
	}
	p.PriorDisputes++
	p.UpdatedAt = at
	return true, nil
}
