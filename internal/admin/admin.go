// Package admin provides operator endpoints for states that need manual
// intervention: timer tasks that exhausted their retries, undelivered
// notifications and on-demand maintenance.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/tradeguard/internal/maintenance"
	"github.com/mbd888/tradeguard/internal/scheduler"
)

// TaskAdmin lists and re-arms timer tasks. *scheduler.Scheduler satisfies it.
type TaskAdmin interface {
	Stuck(ctx context.Context, limit int) ([]*scheduler.Task, error)
	// Schedule replaces the task, resetting its attempts and state.
	Schedule(ctx context.Context, entityID string, kind scheduler.Kind, dueAt time.Time) error
}

// OutboxAdmin reports and drains the notification backlog.
type OutboxAdmin interface {
	Pending(ctx context.Context) (int, error)
	RunOnce(ctx context.Context) (int, error)
}

// MaintenanceAdmin runs housekeeping jobs on demand.
type MaintenanceAdmin interface {
	RunJob(ctx context.Context, name string) error
	LastRuns() map[string]maintenance.LastRun
}

// OutboxStatus is the backlog view returned to operators.
type OutboxStatus struct {
	Pending         int       `json:"pending"`
	Delivered       int       `json:"delivered,omitempty"`
	TrippedWebhooks []string  `json:"trippedWebhooks,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}
