// Package syncutil provides per-entity locks for trades and disputes.
package syncutil

import (
	"context"
	"sync"
)

// Locker serializes work on a single entity key. Lock blocks until the key
// is free or ctx is done; on success the returned func releases the key and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker with one channel mutex per key.
// Entries are refcounted and dropped once no goroutine holds or waits on
// them, so memory is bounded by concurrent keys rather than total keys.
// Distinct keys never contend, which keeps trade-then-dispute lock
// ordering deadlock free.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*chanMutex
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*chanMutex)}
}

// Lock acquires key, respecting context cancellation.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	cm, ok := m.locks[key]
	if !ok {
		cm = &chanMutex{ch: make(chan struct{}, 1)}
		cm.ch <- struct{}{} // start unlocked
		m.locks[key] = cm
	}
	cm.refs++
	m.mu.Unlock()

	select {
	case <-cm.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				cm.ch <- struct{}{}
				m.release(key, cm)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, cm)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, cm *chanMutex) {
	m.mu.Lock()
	cm.refs--
	if cm.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var _ Locker = (*KeyedMutex)(nil)
