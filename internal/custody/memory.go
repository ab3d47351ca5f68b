package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryBackend is an in-process custody backend for development and demos.
// It tracks the locked balance per trade and deduplicates by idempotency key.
type MemoryBackend struct {
	mu      sync.Mutex
	locked  map[string]decimal.Decimal
	applied map[string]Request
	calls   map[string]int
	paid    map[string]decimal.Decimal // recipient -> total paid out
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		locked:  make(map[string]decimal.Decimal),
		applied: make(map[string]Request),
		calls:   make(map[string]int),
		paid:    make(map[string]decimal.Decimal),
	}
}

func (m *MemoryBackend) Lock(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[req.IdempotencyKey]++
	if _, done := m.applied[req.IdempotencyKey]; done {
		return nil
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: lock amount must be positive", ErrRejected)
	}
	m.locked[req.TradeID] = m.locked[req.TradeID].Add(req.Amount)
	m.applied[req.IdempotencyKey] = req
	return nil
}

func (m *MemoryBackend) Release(ctx context.Context, req Request) error {
	return m.payout(ctx, req)
}

func (m *MemoryBackend) Refund(ctx context.Context, req Request) error {
	return m.payout(ctx, req)
}

func (m *MemoryBackend) payout(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[req.IdempotencyKey]++
	if _, done := m.applied[req.IdempotencyKey]; done {
		return nil
	}
	available := m.locked[req.TradeID]
	if req.Amount.GreaterThan(available) {
		return fmt.Errorf("%w: trade %s has %s locked, requested %s",
			ErrInsufficientLocked, req.TradeID, available, req.Amount)
	}
	m.locked[req.TradeID] = available.Sub(req.Amount)
	m.paid[req.Party] = m.paid[req.Party].Add(req.Amount)
	m.applied[req.IdempotencyKey] = req
	return nil
}

// Locked returns the amount still locked for a trade.
func (m *MemoryBackend) Locked(tradeID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[tradeID]
}

// PaidTo returns the total paid out to a party.
func (m *MemoryBackend) PaidTo(party string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[party]
}

// Calls returns how many times a key was presented, applied or not.
func (m *MemoryBackend) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}
