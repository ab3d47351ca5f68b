package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		disputes: make(map[string]*Dispute),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateTrade(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Version = 1
	m.trades[t.ID] = t.clone()
	return nil
}

// GetTrade returns a deep copy so callers can mutate freely until they
// call UpdateTrade.
func (m *MemoryStore) GetTrade(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) UpdateTrade(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTrade(t); err != nil {
		return err
	}
	m.putTrade(t)
	return nil
}

// checkTrade rejects writes of a missing trade or of a stale copy.
func (m *MemoryStore) checkTrade(t *Trade) error {
	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Version != t.Version {
		return fmt.Errorf("%w: trade %s at version %d, write carries %d", ErrConflict, t.ID, cur.Version, t.Version)
	}
	return nil
}

func (m *MemoryStore) checkDispute(d *Dispute) error {
	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Version != d.Version {
		return fmt.Errorf("%w: dispute %s at version %d, write carries %d", ErrConflict, d.ID, cur.Version, d.Version)
	}
	return nil
}

func (m *MemoryStore) putTrade(t *Trade) {
	t.Version++
	m.trades[t.ID] = t.clone()
}

func (m *MemoryStore) putDispute(d *Dispute) {
	d.Version++
	m.disputes[d.ID] = d.clone()
}

func (m *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if f.PartyID != "" && t.BuyerID != f.PartyID && t.SellerID != f.PartyID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		result = append(result, t.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) UpdateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDispute(d); err != nil {
		return err
	}
	m.putDispute(d)
	return nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, f DisputeFilter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if f.matches(d) {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) OpenDispute(_ context.Context, t *Trade, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTrade(t); err != nil {
		return err
	}
	if _, ok := m.disputes[d.ID]; ok {
		return fmt.Errorf("dispute %s already exists", d.ID)
	}
	m.putTrade(t)
	d.Version = 0
	m.putDispute(d)
	return nil
}

func (m *MemoryStore) SaveTradeAndDispute(_ context.Context, t *Trade, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTrade(t); err != nil {
		return err
	}
	if err := m.checkDispute(d); err != nil {
		return err
	}
	m.putTrade(t)
	m.putDispute(d)
	return nil
}
