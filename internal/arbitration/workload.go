package arbitration

import (
	"sort"
	"sync"

	"github.com/mbd888/tradeguard/internal/metrics"
)

// Workload counts live assignments per admin. The coordinator owns one;
// it is rebuilt from dispute state at startup and by maintenance.
type Workload struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewWorkload creates an empty workload counter.
func NewWorkload() *Workload {
	return &Workload{counts: make(map[string]int)}
}

// TryAcquire takes one slot for the admin if they are below capacity and
// returns the count after the call.
func (w *Workload) TryAcquire(adminID string, capacity int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.counts[adminID]
	if n >= capacity {
		return n, false
	}
	w.counts[adminID] = n + 1
	metrics.ActiveDisputesPerAdmin.WithLabelValues(adminID).Set(float64(n + 1))
	return n + 1, true
}

// Release frees one slot. Releasing an idle admin is a no-op.
func (w *Workload) Release(adminID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.counts[adminID]
	if n <= 1 {
		delete(w.counts, adminID)
		n = 1
	} else {
		w.counts[adminID] = n - 1
	}
	metrics.ActiveDisputesPerAdmin.WithLabelValues(adminID).Set(float64(n - 1))
}

// Count returns the admin's live assignments.
func (w *Workload) Count(adminID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[adminID]
}

// Reset replaces all counts.
func (w *Workload) Reset(counts map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.counts {
		if _, ok := counts[id]; !ok {
			metrics.ActiveDisputesPerAdmin.WithLabelValues(id).Set(0)
		}
	}
	w.counts = make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			w.counts[id] = n
		}
		metrics.ActiveDisputesPerAdmin.WithLabelValues(id).Set(float64(n))
	}
}

// Load is one admin's entry in a workload snapshot.
type Load struct {
	AdminID string `json:"adminId"`
	Active  int    `json:"active"`
}

// Snapshot returns the non-zero counts, busiest first.
func (w *Workload) Snapshot() []Load {
	w.mu.Lock()
	out := make([]Load, 0, len(w.counts))
	for id, n := range w.counts {
		out = append(out, Load{AdminID: id, Active: n})
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active == out[j].Active {
			return out[i].AdminID < out[j].AdminID
		}
		return out[i].Active > out[j].Active
	})
	return out
}
