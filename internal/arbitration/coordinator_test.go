package arbitration

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/tradeguard/internal/custody"
	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	buyer  = "buyer-1"
	seller = "seller-1"
)

type fixture struct {
	svc   *escrow.Service
	coord *Coordinator
	store *MemoryStore
	clock *scheduler.ManualClock
}

func newFixture(t *testing.T, maxActive int) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		clock: scheduler.NewManualClock(t0),
	}
	policy := escrow.DefaultPolicy()
	policy.CustodyBaseDelay = 0
	f.svc = escrow.NewService(escrow.NewMemoryStore(), custody.NewMemoryBackend()).
		WithClock(f.clock).
		WithPolicy(policy).
		WithLogger(logging.Discard())
	f.coord = NewCoordinator(f.svc, f.store, f.store).
		WithMaxActive(maxActive).
		WithClock(f.clock).
		WithLogger(logging.Discard())
	f.svc.WithAssignmentHook(f.coord)
	return f
}

func (f *fixture) addAdmin(t *testing.T, a Admin) {
	t.Helper()
	if a.Name == "" {
		a.Name = a.ID
	}
	_, err := f.coord.SaveAdmin(context.Background(), &a)
	require.NoError(t, err)
}

func (f *fixture) openDispute(t *testing.T) *escrow.Dispute {
	t.Helper()
	ctx := context.Background()
	trade, err := f.svc.CreateTrade(ctx, escrow.CreateTradeRequest{
		BuyerID:       buyer,
		SellerID:      seller,
		Asset:         "BTC",
		AssetAmount:   "0.02",
		FiatAmount:    "1000",
		FiatCurrency:  "USD",
		PaymentMethod: "SEPA",
	})
	require.NoError(t, err)
	_, err = f.svc.Fund(ctx, trade.ID, escrow.Actor{ID: seller})
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, trade.ID, escrow.Actor{ID: buyer})
	require.NoError(t, err)
	d, err := f.svc.OpenDispute(ctx, trade.ID, escrow.Actor{ID: buyer}, escrow.CategoryPaymentNotReceived, "fiat never arrived")
	require.NoError(t, err)
	return d
}

func (f *fixture) dispute(t *testing.T, id string) *escrow.Dispute {
	t.Helper()
	d, err := f.svc.GetDispute(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) actions(t *testing.T, disputeID string) []*Action {
	t.Helper()
	actions, err := f.coord.ListActions(context.Background(), disputeID)
	require.NoError(t, err)
	return actions
}

func kinds(actions []*Action) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func TestAssign_RecordsAction(t *testing.T) {
	f := newFixture(t, 10)
	d := f.openDispute(t)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})

	got, err := f.coord.Assign(context.Background(), d.ID, "arb-1", "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "arb-1", got.AssignedAdminID)
	assert.Equal(t, 1, f.coord.Workload().Count("arb-1"))

	actions := f.actions(t, d.ID)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, ActionAssign, a.Kind)
	assert.Equal(t, OutcomeOK, a.Outcome)
	assert.Empty(t, a.FailureReason)
	require.NotNil(t, a.Details.Assignment)
	assert.Equal(t, "lead-1", a.Details.Assignment.AssignedBy)
	assert.Equal(t, 1, a.Details.Assignment.ActiveCount)
	assert.Equal(t, 10, a.Details.Assignment.Capacity)
	assert.False(t, a.Details.Assignment.Auto)
}

func TestAssign_Overloaded(t *testing.T) {
	tests := []struct {
		name        string
		globalCap   int
		adminCap    int
		wantCapText string
	}{
		{"global cap", 1, 0, "1 of 1"},
		{"admin cap below global", 10, 1, "1 of 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.globalCap)
			first := f.openDispute(t)
			second := f.openDispute(t)
			f.addAdmin(t, Admin{ID: "arb-1", Active: true, MaxActive: tt.adminCap})
			ctx := context.Background()

			_, err := f.coord.Assign(ctx, first.ID, "arb-1", "lead-1")
			require.NoError(t, err)

			_, err = f.coord.Assign(ctx, second.ID, "arb-1", "lead-1")
			require.ErrorIs(t, err, ErrAdminOverloaded)
			assert.Contains(t, err.Error(), tt.wantCapText)
			assert.Equal(t, 1, f.coord.Workload().Count("arb-1"))
			assert.Empty(t, f.dispute(t, second.ID).AssignedAdminID)

			actions := f.actions(t, second.ID)
			require.Len(t, actions, 1)
			assert.Equal(t, OutcomeRejected, actions[0].Outcome)
			assert.Contains(t, actions[0].FailureReason, "capacity")
		})
	}
}

func TestAssign_AlreadyAssignedReleasesSlot(t *testing.T) {
	f := newFixture(t, 10)
	d := f.openDispute(t)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "arb-2", Active: true})
	ctx := context.Background()

	_, err := f.coord.Assign(ctx, d.ID, "arb-1", "lead-1")
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, d.ID, "arb-2", "lead-1")
	require.ErrorIs(t, err, escrow.ErrAlreadyAssigned)

	assert.Equal(t, 0, f.coord.Workload().Count("arb-2"))
	assert.Equal(t, "arb-1", f.dispute(t, d.ID).AssignedAdminID)
	assert.Equal(t, []ActionKind{ActionAssign, ActionAssign}, kinds(f.actions(t, d.ID)))
}

func TestAssign_AlreadyAssignedToFullAdmin(t *testing.T) {
	f := newFixture(t, 1)
	d := f.openDispute(t)
	other := f.openDispute(t)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "arb-2", Active: true})
	ctx := context.Background()

	_, err := f.coord.Assign(ctx, d.ID, "arb-1", "lead-1")
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, other.ID, "arb-2", "lead-1")
	require.NoError(t, err)

	_, err = f.coord.Assign(ctx, d.ID, "arb-2", "lead-1")
	require.ErrorIs(t, err, escrow.ErrAlreadyAssigned)
	assert.NotErrorIs(t, err, ErrAdminOverloaded)

	assert.Equal(t, 1, f.coord.Workload().Count("arb-1"))
	assert.Equal(t, 1, f.coord.Workload().Count("arb-2"))
	assert.Equal(t, "arb-1", f.dispute(t, d.ID).AssignedAdminID)
}

func TestAssign_AdminChecks(t *testing.T) {
	f := newFixture(t, 10)
	d := f.openDispute(t)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "arb-off", Active: false, Tier: 3})
	ctx := context.Background()

	_, err := f.coord.Assign(ctx, d.ID, "ghost", "lead-1")
	assert.ErrorIs(t, err, ErrAdminNotFound)
	_, err = f.coord.Assign(ctx, d.ID, "arb-off", "lead-1")
	assert.ErrorIs(t, err, ErrAdminInactive)
	_, err = f.coord.Assign(ctx, "dsp_missing", "arb-1", "lead-1")
	assert.ErrorIs(t, err, escrow.ErrDisputeNotFound)

	// Escalation raises the tier past what arb-1 may handle.
	_, err = f.coord.Assign(ctx, d.ID, "arb-1", "lead-1")
	require.NoError(t, err)
	_, err = f.coord.Investigate(ctx, d.ID, "arb-1")
	require.NoError(t, err)
	escalated, err := f.coord.Escalate(ctx, d.ID, "arb-1", "needs a senior reviewer")
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeEscalated, escalated.Status)
	assert.Equal(t, 1, escalated.Tier)
	assert.Empty(t, escalated.AssignedAdminID)
	assert.Equal(t, 0, f.coord.Workload().Count("arb-1"))

	_, err = f.coord.Assign(ctx, d.ID, "arb-1", "lead-1")
	assert.ErrorIs(t, err, ErrTierTooLow)

	f.addAdmin(t, Admin{ID: "senior-1", Active: true, Tier: 1})
	got, err := f.coord.Assign(ctx, d.ID, "senior-1", "lead-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeUnderReview, got.Status)
}

func TestSortQueue(t *testing.T) {
	early, late := t0.Add(time.Hour), t0.Add(2*time.Hour)
	ds := []*escrow.Dispute{
		{ID: "low", RiskScore: 2, Deadlines: escrow.Deadlines{Response: early}},
		{ID: "high-late", RiskScore: 8, Deadlines: escrow.Deadlines{Response: late}},
		{ID: "high-early", RiskScore: 8, Deadlines: escrow.Deadlines{Response: early}},
		{ID: "mid", RiskScore: 5, Deadlines: escrow.Deadlines{Response: late}},
	}
	SortQueue(ds)

	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"high-early", "high-late", "mid", "low"}, ids)
}

func TestAutoAssign_PrefersSpecialistsThenLoad(t *testing.T) {
	f := newFixture(t, 10)
	var ids []string
	for range 3 {
		ids = append(ids, f.openDispute(t).ID)
	}
	f.addAdmin(t, Admin{ID: "generalist", Active: true})
	f.addAdmin(t, Admin{ID: "payments", Active: true, MaxActive: 1, Specializations: []string{"payment_not_received"}})

	n, err := f.coord.AutoAssign(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, f.coord.Workload().Count("payments"))
	assert.Equal(t, 2, f.coord.Workload().Count("generalist"))

	for _, id := range ids {
		actions := f.actions(t, id)
		require.Len(t, actions, 1)
		assert.True(t, actions[0].Details.Assignment.Auto)
		assert.Equal(t, systemActor, actions[0].Details.Assignment.AssignedBy)
	}

	// Nothing left in the queue.
	n, err = f.coord.AutoAssign(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoAssign_NoEligibleAdmin(t *testing.T) {
	f := newFixture(t, 10)
	d := f.openDispute(t)
	f.addAdmin(t, Admin{ID: "arb-off", Active: false})

	n, err := f.coord.AutoAssign(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.dispute(t, d.ID).AssignedAdminID)
	assert.Empty(t, f.actions(t, d.ID))
}

func TestHook_AssignsOnOpenAndReleasesOnResolve(t *testing.T) {
	f := newFixture(t, 10)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	ctx := context.Background()

	d := f.openDispute(t)
	d = f.dispute(t, d.ID)
	require.Equal(t, "arb-1", d.AssignedAdminID)
	assert.Equal(t, 1, f.coord.Workload().Count("arb-1"))

	_, err := f.coord.Investigate(ctx, d.ID, "arb-1")
	require.NoError(t, err)
	for _, who := range []string{buyer, seller} {
		_, err := f.svc.SubmitEvidence(ctx, d.ID, escrow.Actor{ID: who}, escrow.EvidenceInput{Type: escrow.EvidenceScreenshot, URI: "s3://evidence/" + who})
		require.NoError(t, err)
	}

	resolved, err := f.coord.Resolve(ctx, d.ID, "arb-1", escrow.ResolveRequest{
		Decision:  escrow.DecisionFavorComplainant,
		Reasoning: "seller never showed the bank transfer",
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeResolved, resolved.Status)
	assert.Equal(t, 0, f.coord.Workload().Count("arb-1"))

	trade, err := f.svc.GetTrade(ctx, d.TradeID)
	require.NoError(t, err)
	assert.Equal(t, escrow.TradeReleased, trade.Status)

	_, err = f.coord.Close(ctx, d.ID, "arb-1")
	require.NoError(t, err)

	actions := f.actions(t, d.ID)
	assert.Equal(t, []ActionKind{ActionAssign, ActionInvestigate, ActionResolve, ActionClose}, kinds(actions))
	require.NotNil(t, actions[2].Details.Decision)
	assert.Equal(t, escrow.DecisionFavorComplainant, actions[2].Details.Decision.Decision)
}

func TestRejectedActionIsAudited(t *testing.T) {
	f := newFixture(t, 10)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "arb-2", Active: true})
	d := f.openDispute(t)
	require.Equal(t, "arb-1", f.dispute(t, d.ID).AssignedAdminID)

	_, err := f.coord.Resolve(context.Background(), d.ID, "arb-2", escrow.ResolveRequest{
		Decision:  escrow.DecisionNoAction,
		Reasoning: "not mine to decide",
	})
	require.ErrorIs(t, err, escrow.ErrNotAssigned)

	actions := f.actions(t, d.ID)
	require.Len(t, actions, 2)
	last := actions[1]
	assert.Equal(t, ActionResolve, last.Kind)
	assert.Equal(t, "arb-2", last.AdminID)
	assert.Equal(t, OutcomeRejected, last.Outcome)
	assert.NotEmpty(t, last.FailureReason)
}

func TestEscalate_HandsToHigherTier(t *testing.T) {
	f := newFixture(t, 10)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "senior-1", Active: true, Tier: 1})
	ctx := context.Background()

	d := f.openDispute(t)
	// Equal load and no specialists, so the lower ID wins.
	require.Equal(t, "arb-1", f.dispute(t, d.ID).AssignedAdminID)

	_, err := f.coord.Investigate(ctx, d.ID, "arb-1")
	require.NoError(t, err)
	_, err = f.coord.Escalate(ctx, d.ID, "arb-1", "conflicting bank records")
	require.NoError(t, err)

	got := f.dispute(t, d.ID)
	assert.Equal(t, "senior-1", got.AssignedAdminID)
	assert.Equal(t, escrow.DisputeUnderReview, got.Status)
	assert.Equal(t, 1, got.Tier)
	assert.Equal(t, 0, f.coord.Workload().Count("arb-1"))
	assert.Equal(t, 1, f.coord.Workload().Count("senior-1"))

	// The hand-off happens inside the engine call, so its assign entry
	// lands before the escalate entry.
	actions := f.actions(t, d.ID)
	assert.Equal(t, []ActionKind{ActionAssign, ActionInvestigate, ActionAssign, ActionEscalate}, kinds(actions))
	assert.Equal(t, "senior-1", actions[2].AdminID)
	require.NotNil(t, actions[3].Details.Escalation)
	assert.Equal(t, 0, actions[3].Details.Escalation.FromTier)
	assert.Equal(t, "conflicting bank records", actions[3].Details.Escalation.Reason)
}

func TestRequestEvidenceAndHearing(t *testing.T) {
	f := newFixture(t, 10)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "arb-2", Active: true})
	d := f.openDispute(t)
	ctx := context.Background()

	msg, err := f.coord.RequestEvidence(ctx, d.ID, "arb-1", escrow.PartyRespondent, "upload the bank statement")
	require.NoError(t, err)
	assert.False(t, msg.Private)
	assert.Contains(t, msg.Content, "respondent")
	assert.Contains(t, msg.Content, "bank statement")

	_, err = f.coord.RequestEvidence(ctx, d.ID, "arb-1", "witness", "")
	assert.ErrorIs(t, err, escrow.ErrInvalidRequest)
	_, err = f.coord.RequestEvidence(ctx, d.ID, "arb-2", escrow.PartyComplainant, "")
	assert.ErrorIs(t, err, escrow.ErrNotAssigned)

	_, err = f.coord.ScheduleHearing(ctx, d.ID, "arb-1", t0.Add(-time.Hour), "")
	assert.ErrorIs(t, err, escrow.ErrInvalidRequest)

	at := t0.Add(24 * time.Hour)
	msg, err = f.coord.ScheduleHearing(ctx, d.ID, "arb-1", at, "video call")
	require.NoError(t, err)
	assert.Contains(t, msg.Content, at.Format(time.RFC3339))

	actions := f.actions(t, d.ID)
	require.Len(t, actions, 6)
	hearing := actions[5]
	assert.Equal(t, ActionScheduleHearing, hearing.Kind)
	assert.Equal(t, OutcomeOK, hearing.Outcome)
	assert.True(t, hearing.Details.Hearing.At.Equal(at))
}

func TestRequestResponse(t *testing.T) {
	f := newFixture(t, 10)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	d := f.openDispute(t)
	ctx := context.Background()

	_, err := f.coord.Investigate(ctx, d.ID, "arb-1")
	require.NoError(t, err)
	got, err := f.coord.RequestResponse(ctx, d.ID, "arb-1", "please explain the missing payment")
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeAwaitingResponse, got.Status)

	d = f.dispute(t, d.ID)
	require.NotEmpty(t, d.Messages)
	assert.Equal(t, "please explain the missing payment", d.Messages[len(d.Messages)-1].Content)
}

func TestAddNote(t *testing.T) {
	f := newFixture(t, 10)
	d := f.openDispute(t)
	ctx := context.Background()

	require.NoError(t, f.coord.AddNote(ctx, d.ID, "arb-1", map[string]string{"phone": "called seller, no answer"}))
	assert.ErrorIs(t, f.coord.AddNote(ctx, d.ID, "arb-1", map[string]string{" ": "blank key"}), escrow.ErrInvalidRequest)
	assert.ErrorIs(t, f.coord.AddNote(ctx, "dsp_missing", "arb-1", map[string]string{"k": "v"}), escrow.ErrDisputeNotFound)

	actions := f.actions(t, d.ID)
	require.Len(t, actions, 2)
	assert.Equal(t, "called seller, no answer", actions[0].Details.Notes["phone"])
	assert.Equal(t, OutcomeRejected, actions[1].Outcome)

	byAdmin, err := f.coord.ListAdminActions(ctx, "arb-1", 1)
	require.NoError(t, err)
	require.Len(t, byAdmin, 1)
	assert.Equal(t, "dsp_missing", byAdmin[0].DisputeID)
}

func TestReassign(t *testing.T) {
	f := newFixture(t, 10)
	d := f.openDispute(t)
	unassigned := f.openDispute(t)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.addAdmin(t, Admin{ID: "arb-2", Active: true})
	ctx := context.Background()

	_, err := f.coord.Assign(ctx, d.ID, "arb-1", "lead-1")
	require.NoError(t, err)

	got, err := f.coord.Reassign(ctx, d.ID, "arb-2", "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "arb-2", got.AssignedAdminID)
	assert.Equal(t, 0, f.coord.Workload().Count("arb-1"))
	assert.Equal(t, 1, f.coord.Workload().Count("arb-2"))

	actions := f.actions(t, d.ID)
	require.Len(t, actions, 2)
	assert.Equal(t, "arb-1", actions[1].Details.Assignment.FromAdminID)

	_, err = f.coord.Reassign(ctx, unassigned.ID, "arb-2", "lead-1")
	assert.ErrorIs(t, err, escrow.ErrNotAssigned)
}

func TestRebuildWorkload(t *testing.T) {
	f := newFixture(t, 10)
	f.addAdmin(t, Admin{ID: "arb-1", Active: true})
	f.openDispute(t)
	f.openDispute(t)
	ctx := context.Background()

	// Simulate a restart with an empty counter.
	f.coord.WithWorkload(NewWorkload())
	assert.Equal(t, 0, f.coord.Workload().Count("arb-1"))

	counts, err := f.coord.RebuildWorkload(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"arb-1": 2}, counts)
	assert.Equal(t, 2, f.coord.Workload().Count("arb-1"))
}

func TestSaveAdmin(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.coord.SaveAdmin(ctx, &Admin{ID: "arb-1"})
	assert.ErrorIs(t, err, escrow.ErrInvalidRequest)
	_, err = f.coord.SaveAdmin(ctx, &Admin{ID: "arb-1", Name: "A", Tier: -1})
	assert.ErrorIs(t, err, escrow.ErrInvalidRequest)

	first, err := f.coord.SaveAdmin(ctx, &Admin{ID: "arb-1", Name: "Ana", Specializations: []string{" payment_fraud "}, Active: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"PAYMENT_FRAUD"}, first.Specializations)
	assert.True(t, first.Specializes(escrow.CategoryPaymentFraud))

	f.clock.Advance(time.Hour)
	second, err := f.coord.SaveAdmin(ctx, &Admin{ID: "arb-1", Name: "Ana B", Active: false})
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.Equal(t0))
	assert.True(t, second.UpdatedAt.Equal(t0.Add(time.Hour)))

	active, err := f.coord.ListAdmins(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}
