package maintenance

import (
	"context"
	"fmt"
	"time"
)

// DeadlineRebuilder re-arms timer tasks from stored trades and disputes.
type DeadlineRebuilder interface {
	RebuildDeadlines(ctx context.Context) (int, error)
}

// WorkloadReconciler recounts admin workload and drains the unassigned
// dispute queue.
type WorkloadReconciler interface {
	RebuildWorkload(ctx context.Context) (map[string]int, error)
	AutoAssign(ctx context.Context) (int, error)
}

// OutboxPruner deletes delivered events.
type OutboxPruner interface {
	PruneDelivered(ctx context.Context, before time.Time) (int, error)
}

// RebuildDeadlines returns the job that re-arms missing timer tasks.
func RebuildDeadlines(d DeadlineRebuilder) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		n, err := d.RebuildDeadlines(ctx)
		return fmt.Sprintf("%d tasks ensured", n), err
	}
}

// ReconcileWorkload returns the job that recounts active disputes per
// admin and then assigns whatever is still unassigned.
func ReconcileWorkload(w WorkloadReconciler) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		counts, err := w.RebuildWorkload(ctx)
		if err != nil {
			return "", fmt.Errorf("rebuild workload: %w", err)
		}
		assigned, err := w.AutoAssign(ctx)
		if err != nil {
			return "", fmt.Errorf("auto-assign: %w", err)
		}
		return fmt.Sprintf("%d admins busy, %d disputes assigned", len(counts), assigned), nil
	}
}

// PruneOutbox returns the job that drops events delivered longer than
// retention ago.
func PruneOutbox(p OutboxPruner, retention time.Duration, now func() time.Time) func(context.Context) (string, error) {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (string, error) {
		n, err := p.PruneDelivered(ctx, now().Add(-retention))
		return fmt.Sprintf("%d events pruned", n), err
	}
}
