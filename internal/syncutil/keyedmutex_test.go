package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "trade:1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected entry to be dropped, have %d", m.Len())
	}
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockTrade, err := m.Lock(ctx, "trade:1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockTrade()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlockDispute, err := m.Lock(ctx2, "dispute:1")
	if err != nil {
		t.Fatalf("distinct key should not block: %v", err)
	}
	unlockDispute()
}

func TestKeyedMutex_ContextCancellation(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "k"); err == nil {
		t.Fatal("expected timeout while key is held")
	}

	unlock()
	if m.Len() != 0 {
		t.Fatalf("cancelled waiter leaked an entry: %d", m.Len())
	}
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), "k")
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := m.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	again()
}
