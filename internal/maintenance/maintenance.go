// Package maintenance runs periodic housekeeping on a cron schedule:
// rebuilding timer tasks, reconciling admin workload and pruning the
// outbox. Every job is idempotent and takes a named lock, so several
// instances sharing a Redis locker never run the same job concurrently.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/tradeguard/internal/syncutil"
)

// ErrUnknownJob is returned by RunJob for a name that was never added.
var ErrUnknownJob = errors.New("maintenance: unknown job")

// Job is one unit of housekeeping. It returns a short summary for the log.
type Job struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// LastRun records the outcome of a job's most recent run.
type LastRun struct {
	At      time.Time `json:"at"`
	Summary string    `json:"summary,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Runner schedules jobs with robfig/cron.
type Runner struct {
	spec    string
	jobs    []Job
	locker  syncutil.Locker
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	cron *cron.Cron

	mu   sync.Mutex
	last map[string]LastRun
}

// New creates a runner for a six-field (seconds first) cron spec.
func New(spec string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		spec:    spec,
		locker:  syncutil.NewKeyedMutex(),
		logger:  logger,
		timeout: 2 * time.Minute,
		now:     time.Now,
		last:    make(map[string]LastRun),
	}
}

// WithLocker shares job locks across instances.
func (r *Runner) WithLocker(l syncutil.Locker) *Runner {
	r.locker = l
	return r
}

// WithTimeout bounds a single job run.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Add registers a job. Jobs run in registration order.
func (r *Runner) Add(name string, run func(ctx context.Context) (string, error)) *Runner {
	r.jobs = append(r.jobs, Job{Name: name, Run: run})
	return r
}

// Start schedules all jobs. Runs inherit ctx, so cancelling it aborts jobs
// in flight.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.spec, func() { r.RunAll(ctx) }); err != nil {
		return fmt.Errorf("maintenance: invalid schedule %q: %w", r.spec, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("maintenance scheduled", "schedule", r.spec, "jobs", len(r.jobs))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("maintenance stopped")
}

// RunAll runs every job once. A failing job does not stop the others.
func (r *Runner) RunAll(ctx context.Context) {
	for _, j := range r.jobs {
		if ctx.Err() != nil {
			return
		}
		_ = r.run(ctx, j)
	}
}

// RunJob runs a single job by name.
func (r *Runner) RunJob(ctx context.Context, name string) error {
	for _, j := range r.jobs {
		if j.Name == name {
			return r.run(ctx, j)
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownJob, name)
}

func (r *Runner) run(ctx context.Context, j Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	unlock, err := r.locker.Lock(ctx, "maintenance:"+j.Name)
	if err != nil {
		r.logger.Warn("maintenance job skipped, lock unavailable", "job", j.Name, "error", err)
		return err
	}
	defer unlock()

	start := r.now()
	var summary string
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		summary, err = j.Run(ctx)
	}()

	rec := LastRun{At: start, Summary: summary}
	if err != nil {
		rec.Error = err.Error()
		r.logger.Error("maintenance job failed", "job", j.Name, "error", err)
	} else {
		r.logger.Info("maintenance job done", "job", j.Name, "summary", summary, "took", r.now().Sub(start))
	}
	r.mu.Lock()
	r.last[j.Name] = rec
	r.mu.Unlock()
	return err
}

// LastRuns returns the latest outcome per job.
func (r *Runner) LastRuns() map[string]LastRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LastRun, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out
}
