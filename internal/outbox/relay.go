package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/retry"
	"github.com/mbd888/tradeguard/internal/scheduler"
)

// Relay polls the outbox and hands due events to every sink. An event is
// marked delivered once no sink returns a retryable error.
type Relay struct {
	store       Store
	sinks       []Sink
	clock       scheduler.Clock
	interval    time.Duration
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewRelay creates a relay over the given sinks.
func NewRelay(store Store, logger *slog.Logger, sinks ...Sink) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:       store,
		sinks:       sinks,
		clock:       scheduler.SystemClock{},
		interval:    time.Second,
		batchSize:   100,
		maxAttempts: 10,
		baseDelay:   2 * time.Second,
		maxDelay:    5 * time.Minute,
		logger:      logger,
		stop:        make(chan struct{}, 1),
	}
}

// WithClock sets the clock.
func (r *Relay) WithClock(c scheduler.Clock) *Relay {
	r.clock = c
	return r
}

// WithInterval sets the polling interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithRetryPolicy sets backoff between attempts and when to give up.
func (r *Relay) WithRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Relay {
	if maxAttempts > 0 {
		r.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		r.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		r.maxDelay = maxDelay
	}
	return r
}

// AddSink attaches another sink.
func (r *Relay) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// Running reports whether the polling loop is active.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start runs the polling loop until ctx is done or Stop is called.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("outbox sweep failed", "error", err)
			}
		}
	}
}

// Stop signals the loop to exit.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// RunOnce delivers one batch of due events and returns how many were
// marked delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	due, err := r.store.Due(ctx, now, r.maxAttempts, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}

	delivered := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if r.deliver(ctx, e) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, e *Event) bool {
	var failures []string
	for _, s := range r.sinks {
		err := r.safeDeliver(ctx, s, e)
		switch {
		case err == nil:
			metrics.EventsDeliveredTotal.WithLabelValues(s.Name(), "ok").Inc()
		case retry.IsPermanent(err):
			metrics.EventsDeliveredTotal.WithLabelValues(s.Name(), "dropped").Inc()
			r.logger.Warn("sink rejected event", "sink", s.Name(), "event_id", e.ID, "topic", e.Topic, "error", err)
		default:
			metrics.EventsDeliveredTotal.WithLabelValues(s.Name(), "error").Inc()
			failures = append(failures, s.Name()+": "+err.Error())
		}
	}

	now := r.clock.Now()
	if len(failures) == 0 {
		if err := r.store.MarkDelivered(ctx, e.ID, now); err != nil {
			r.logger.Error("failed to mark event delivered", "event_id", e.ID, "error", err)
			return false
		}
		return true
	}

	attempts := e.Attempts + 1
	next := now.Add(retry.Backoff(attempts, r.baseDelay, r.maxDelay))
	lastErr := strings.Join(failures, "; ")
	if err := r.store.MarkFailed(ctx, e.ID, attempts, next, lastErr); err != nil {
		r.logger.Error("failed to record delivery failure", "event_id", e.ID, "error", err)
	}
	if attempts >= r.maxAttempts {
		r.logger.Error("event delivery abandoned", "event_id", e.ID, "topic", e.Topic, "attempts", attempts, "error", lastErr)
	} else {
		r.logger.Warn("event delivery failed, will retry", "event_id", e.ID, "topic", e.Topic, "attempts", attempts, "next_attempt_at", next, "error", lastErr)
	}
	return false
}

// safeDeliver keeps one misbehaving sink from taking down the relay.
func (r *Relay) safeDeliver(ctx context.Context, s Sink, e *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New(fmt.Sprint("sink panicked: ", p))
		}
	}()
	return s.Deliver(ctx, e)
}
