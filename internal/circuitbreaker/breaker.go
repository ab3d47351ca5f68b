// Package circuitbreaker guards outbound dependencies (the custody backend,
// webhook endpoints) with a per-key closed → open → half-open breaker.
package circuitbreaker

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Keys are webhook subscription IDs, so the metric is labelled by breaker
// name rather than key.
var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradeguard",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state changes by breaker and target state.",
}, []string{"breaker", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// circuit is the state for one key. All methods run under Breaker.mu.
type circuit struct {
	state    State
	failures int
	changed  time.Time // last state change, or last failure while closed
}

// admit decides whether a call may proceed. An open circuit past its
// cooldown turns half-open and admits exactly one probe. A probe that never
// reports back is forgotten after another cooldown.
func (c *circuit) admit(now time.Time, cooldown time.Duration) (bool, State) {
	switch c.state {
	case StateOpen, StateHalfOpen:
		if now.Sub(c.changed) < cooldown {
			return false, c.state
		}
		return true, StateHalfOpen
	}
	return true, StateClosed
}

// fail counts a failure and returns the state the circuit should move to.
func (c *circuit) fail(threshold int) State {
	c.failures++
	if c.state == StateHalfOpen || c.failures >= threshold {
		return StateOpen
	}
	return c.state
}

// Breaker is a set of circuits keyed by dependency. A circuit trips open
// after threshold consecutive failures and probes again after cooldown.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	isFailure func(error) bool

	mu       sync.Mutex
	circuits map[string]*circuit
	notify   func(key string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      "default",
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		isFailure: func(err error) bool { return err != nil },
		circuits:  make(map[string]*circuit),
	}
}

// WithName sets the metric label for this breaker.
func (b *Breaker) WithName(name string) *Breaker {
	b.name = name
	return b
}

// WithClock replaces the time source (tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithFailureClassifier sets which errors from Execute count against the
// circuit. Caller-side rejections (bad request, conflict) should not trip it.
func (b *Breaker) WithFailureClassifier(fn func(error) bool) *Breaker {
	b.isFailure = fn
	return b
}

// OnTransition sets a callback run asynchronously on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Execute runs fn if the circuit for key admits it and records the outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && b.isFailure(err) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key should proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	ok, next := c.admit(b.now(), b.cooldown)
	if ok && next == StateHalfOpen {
		// Restart the cooldown so only this caller probes.
		b.move(key, c, StateHalfOpen)
		c.changed = b.now()
	}
	return ok
}

// RecordSuccess closes the circuit for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.move(key, c, StateClosed)
}

// RecordFailure counts a failure against key.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.changed = b.now()
	b.move(key, c, c.fail(b.threshold))
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists keys whose circuit is not closed, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for key, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// move sets the circuit state. Caller holds b.mu.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(b.name, to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
