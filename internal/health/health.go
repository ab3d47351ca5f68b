// Package health aggregates subsystem checks for the /health endpoints.
//
// Checks run concurrently under a shared timeout. A failing critical check
// makes the service unhealthy; informational checks are reported but never
// flip the aggregate.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a full CheckAll pass.
const DefaultTimeout = 3 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one subsystem. Name and Critical are filled in by the
// registry.
type Checker func(ctx context.Context) Status

type entry struct {
	name     string
	critical bool
	check    Checker
}

// Registry holds named checks.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout replaces DefaultTimeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, critical: true, check: check})
}

// RegisterInformational adds a check that is reported but does not affect
// overall health.
func (r *Registry) RegisterInformational(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check and reports whether all critical ones passed.
// Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			start := time.Now()
			st := e.check(ctx)
			st.Name = e.name
			st.Critical = e.critical
			st.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB and the redis client adapter.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping passes while the dependency answers.
func Ping(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Runner is a background loop such as the timer scheduler or the outbox
// relay.
type Runner interface {
	Running() bool
}

// Loop passes while r runs.
func Loop(r Runner) Checker {
	return func(context.Context) Status {
		if r.Running() {
			return Status{Healthy: true}
		}
		return Status{Detail: "not running"}
	}
}

// Backlog fails once count exceeds limit, for example stuck timer tasks or
// undelivered outbox events.
func Backlog(limit int, count func(ctx context.Context) (int, error)) Checker {
	return func(ctx context.Context) Status {
		n, err := count(ctx)
		if err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: n <= limit, Detail: fmt.Sprintf("%d pending", n)}
	}
}
