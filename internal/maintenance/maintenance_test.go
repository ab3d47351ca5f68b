package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/logging"
)

type fakeDeadlines struct{ n int }

func (f *fakeDeadlines) RebuildDeadlines(context.Context) (int, error) { return f.n, nil }

type fakeWorkload struct {
	rebuilt  int
	assigned int
	err      error
}

func (f *fakeWorkload) RebuildWorkload(context.Context) (map[string]int, error) {
	f.rebuilt++
	if f.err != nil {
		return nil, f.err
	}
	return map[string]int{"admin-1": 2, "admin-2": 1}, nil
}

func (f *fakeWorkload) AutoAssign(context.Context) (int, error) { return f.assigned, nil }

type fakePruner struct{ before time.Time }

func (f *fakePruner) PruneDelivered(_ context.Context, before time.Time) (int, error) {
	f.before = before
	return 7, nil
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	work := &fakeWorkload{err: errors.New("db down")}
	pruner := &fakePruner{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := New("@every 1h", logging.Discard()).
		Add("deadlines", RebuildDeadlines(&fakeDeadlines{n: 4})).
		Add("workload", ReconcileWorkload(work)).
		Add("outbox", PruneOutbox(pruner, 24*time.Hour, func() time.Time { return now }))

	r.RunAll(context.Background())

	last := r.LastRuns()
	require.Len(t, last, 3)
	assert.Equal(t, "4 tasks ensured", last["deadlines"].Summary)
	assert.Contains(t, last["workload"].Error, "db down")
	assert.Equal(t, "7 events pruned", last["outbox"].Summary)
	assert.Equal(t, now.Add(-24*time.Hour), pruner.before)
}

func TestReconcileWorkload(t *testing.T) {
	work := &fakeWorkload{assigned: 3}
	summary, err := ReconcileWorkload(work)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2 admins busy, 3 disputes assigned", summary)
	assert.Equal(t, 1, work.rebuilt)
}

func TestRunJob(t *testing.T) {
	var calls atomic.Int32
	r := New("@every 1h", logging.Discard()).Add("tick", func(context.Context) (string, error) {
		calls.Add(1)
		return "", nil
	})

	require.NoError(t, r.RunJob(context.Background(), "tick"))
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, r.RunJob(context.Background(), "missing"), ErrUnknownJob)
}

func TestRunJob_RecoversPanic(t *testing.T) {
	r := New("@every 1h", logging.Discard()).Add("boom", func(context.Context) (string, error) {
		panic("nil map")
	})

	err := r.RunJob(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, r.LastRuns()["boom"].Error, "panic: nil map")
}

func TestStart_RunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	r := New("@every 1s", logging.Discard()).Add("tick", func(context.Context) (string, error) {
		calls.Add(1)
		return "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_InvalidSchedule(t *testing.T) {
	r := New("not a schedule", logging.Discard())
	assert.Error(t, r.Start(context.Background()))
	r.Stop() // no-op when never started
}
