package arbitration

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps admins and the action log in memory for development
// mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	admins  map[string]*Admin
	actions []*Action
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{admins: make(map[string]*Admin)}
}

var (
	_ AdminStore = (*MemoryStore)(nil)
	_ AuditStore = (*MemoryStore)(nil)
)

func (m *MemoryStore) SaveAdmin(_ context.Context, a *Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[a.ID] = cloneAdmin(a)
	return nil
}

func (m *MemoryStore) GetAdmin(_ context.Context, id string) (*Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.admins[id]
	if !ok {
		return nil, ErrAdminNotFound
	}
	return cloneAdmin(a), nil
}

func (m *MemoryStore) ListAdmins(_ context.Context, activeOnly bool) ([]*Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Admin, 0, len(m.admins))
	for _, a := range m.admins {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, cloneAdmin(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Append adds an action to the log. Entries are copied in and never
// touched again.
func (m *MemoryStore) Append(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *MemoryStore) ListByDispute(_ context.Context, disputeID string) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Action
	for _, a := range m.actions {
		if a.DisputeID == disputeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByAdmin returns the admin's actions, newest first.
func (m *MemoryStore) ListByAdmin(_ context.Context, adminID string, limit int) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Action
	for i := len(m.actions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if a := m.actions[i]; a.AdminID == adminID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func cloneAdmin(a *Admin) *Admin {
	cp := *a
	cp.Specializations = append([]string(nil), a.Specializations...)
	return &cp
}
