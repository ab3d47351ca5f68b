// Package scheduler is the durable deadline service behind auto-release,
// settlement retries and dispute windows.
//
// Tasks are keyed by (entity, kind), so scheduling the same pair again
// moves the deadline instead of adding a second one. A fired task is
// removed only after its handler succeeds; failures are retried with
// exponential backoff and parked as stuck after the retry budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/retry"
)

// ErrTaskNotFound is returned by Store.Get for unknown tasks.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// Kind names what a deadline is for, e.g. "trade.auto_release".
type Kind string

// TaskState is pending until the retry budget is spent.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskStuck   TaskState = "stuck"
)

// Task is one scheduled deadline.
type Task struct {
	EntityID  string    `json:"entityId"`
	Kind      Kind      `json:"kind"`
	DueAt     time.Time `json:"dueAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	State     TaskState `json:"state"`
	// Version changes on every Upsert. Complete and Reschedule only apply
	// to the version that was fired, so a deadline re-armed by the handler
	// itself is never clobbered.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists tasks.
type Store interface {
	// Upsert inserts or replaces the (entity, kind) task, resetting attempts
	// and state and bumping Version.
	Upsert(ctx context.Context, task *Task) error
	Get(ctx context.Context, entityID string, kind Kind) (*Task, error)
	Delete(ctx context.Context, entityID string, kind Kind) error
	// ListDue returns pending tasks with DueAt <= now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	ListStuck(ctx context.Context, limit int) ([]*Task, error)
	// Complete deletes the task if its version still matches.
	Complete(ctx context.Context, task *Task) (bool, error)
	// Reschedule writes DueAt, Attempts, LastError and State if the
	// version still matches.
	Reschedule(ctx context.Context, task *Task) (bool, error)
}

// Handler performs the work behind a deadline. It must be idempotent:
// it re-reads entity state and succeeds without effect if the entity has
// moved on.
type Handler interface {
	OnDeadline(ctx context.Context, entityID string, kind Kind) error
}

// StuckHandler is optionally implemented by a Handler to raise an alert
// when a task exhausts its retries.
type StuckHandler interface {
	OnStuck(ctx context.Context, task *Task)
}

// Scheduler polls the store and fires due tasks.
type Scheduler struct {
	store       Store
	handler     Handler
	clock       Clock
	interval    time.Duration
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// New creates a scheduler. A handler must be attached with WithHandler
// before Start.
func New(store Store, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       store,
		clock:       clock,
		interval:    time.Second,
		batchSize:   100,
		maxAttempts: 8,
		baseDelay:   5 * time.Second,
		maxDelay:    10 * time.Minute,
		logger:      logger,
		stop:        make(chan struct{}, 1),
	}
}

// WithHandler sets the deadline handler.
func (s *Scheduler) WithHandler(h Handler) *Scheduler {
	s.handler = h
	return s
}

// WithInterval sets the polling interval.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithRetryPolicy sets how failed tasks back off and when they get stuck.
func (s *Scheduler) WithRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Scheduler {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		s.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		s.maxDelay = maxDelay
	}
	return s
}

// Schedule arms (or re-arms) the deadline for (entityID, kind).
func (s *Scheduler) Schedule(ctx context.Context, entityID string, kind Kind, dueAt time.Time) error {
	now := s.clock.Now()
	task := &Task{
		EntityID:  entityID,
		Kind:      kind,
		DueAt:     dueAt,
		State:     TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Upsert(ctx, task); err != nil {
		return fmt.Errorf("schedule %s %s: %w", kind, entityID, err)
	}
	return nil
}

// Ensure arms the deadline only if no task exists for (entityID, kind),
// leaving pending and stuck tasks untouched. It reports whether a task was
// created.
func (s *Scheduler) Ensure(ctx context.Context, entityID string, kind Kind, dueAt time.Time) (bool, error) {
	_, err := s.store.Get(ctx, entityID, kind)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return false, fmt.Errorf("ensure %s %s: %w", kind, entityID, err)
	}
	if err := s.Schedule(ctx, entityID, kind, dueAt); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel removes the deadline. Cancelling a missing task is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, entityID string, kind Kind) error {
	if err := s.store.Delete(ctx, entityID, kind); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("cancel %s %s: %w", kind, entityID, err)
	}
	return nil
}

// Running reports whether the polling loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the polling loop until ctx is done or Stop is called.
// Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// Stop signals the loop to exit. The signal is buffered so it is not lost
// while a sweep is in progress.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// RunDue fires every task due now, once, and returns how many succeeded.
func (s *Scheduler) RunDue(ctx context.Context) int {
	if s.handler == nil {
		return 0
	}
	now := s.clock.Now()
	due, err := s.store.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list due tasks", "error", err)
		return 0
	}

	fired := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, task) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, task *Task) bool {
	err := s.safeHandle(ctx, task)
	if err == nil {
		metrics.SchedulerFiredTotal.WithLabelValues(string(task.Kind), "ok").Inc()
		if _, cerr := s.store.Complete(ctx, task); cerr != nil {
			s.logger.Warn("failed to complete task",
				"kind", task.Kind, "entity", task.EntityID, "error", cerr)
		}
		return true
	}

	metrics.SchedulerFiredTotal.WithLabelValues(string(task.Kind), "error").Inc()
	task.Attempts++
	task.LastError = err.Error()
	task.UpdatedAt = s.clock.Now()

	if task.Attempts >= s.maxAttempts {
		task.State = TaskStuck
		applied, rerr := s.store.Reschedule(ctx, task)
		if rerr != nil {
			s.logger.Error("failed to park stuck task",
				"kind", task.Kind, "entity", task.EntityID, "error", rerr)
			return false
		}
		if !applied {
			return false
		}
		metrics.SchedulerStuckTasksTotal.WithLabelValues(string(task.Kind)).Inc()
		s.logger.Error("deadline task stuck after retries",
			"kind", task.Kind, "entity", task.EntityID,
			"attempts", task.Attempts, "error", err)
		if sh, ok := s.handler.(StuckHandler); ok {
			sh.OnStuck(ctx, task)
		}
		return false
	}

	task.DueAt = task.UpdatedAt.Add(retry.Backoff(task.Attempts, s.baseDelay, s.maxDelay))
	if _, rerr := s.store.Reschedule(ctx, task); rerr != nil {
		s.logger.Error("failed to reschedule task",
			"kind", task.Kind, "entity", task.EntityID, "error", rerr)
	}
	s.logger.Warn("deadline task failed, will retry",
		"kind", task.Kind, "entity", task.EntityID,
		"attempt", task.Attempts, "next", task.DueAt, "error", err)
	return false
}

func (s *Scheduler) safeHandle(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in deadline handler",
				"kind", task.Kind, "entity", task.EntityID, "panic", fmt.Sprint(r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.OnDeadline(ctx, task.EntityID, task.Kind)
}

// Stuck lists parked tasks for operators.
func (s *Scheduler) Stuck(ctx context.Context, limit int) ([]*Task, error) {
	return s.store.ListStuck(ctx, limit)
}
