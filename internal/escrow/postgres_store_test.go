//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/tradeguard/internal/custody"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/riskscore"
	"github.com/mbd888/tradeguard/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgTrade(now time.Time) *Trade {
	return &Trade{
		ID:               idgen.WithPrefix("trd_"),
		BuyerID:          buyer,
		SellerID:         seller,
		Asset:            "BTC",
		AssetAmount:      dec("0.02"),
		FiatAmount:       dec("1000"),
		FiatCurrency:     "USD",
		PaymentMethod:    "SEPA",
		Status:           TradePaymentPending,
		IdempotencyToken: idgen.Token(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func pgDispute(t *Trade, now time.Time) *Dispute {
	return &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TradeID:       t.ID,
		ComplainantID: t.BuyerID,
		RespondentID:  t.SellerID,
		Category:      CategoryPaymentIssue,
		Description:   "no acknowledgement",
		Priority:      riskscore.PriorityHigh,
		RiskScore:     7,
		RiskFactors:   map[string]float64{"trade_value": 0.4},
		Status:        DisputeOpen,
		Evidence:      []Evidence{},
		Messages:      []Message{},
		Escalations:   []Escalation{},
		Deadlines: Deadlines{
			Response:   now.Add(24 * time.Hour),
			Evidence:   now.Add(48 * time.Hour),
			Resolution: now.Add(72 * time.Hour),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_TradeRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	trade := pgTrade(now)
	deadline := now.Add(30 * time.Minute)
	trade.AutoReleaseDeadline = &deadline
	trade.Confirmations.BuyerConfirmed = true
	trade.Confirmations.BuyerConfirmedAt = &now
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}

	got, err := store.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("GetTrade failed: %v", err)
	}
	if !got.AssetAmount.Equal(trade.AssetAmount) || !got.FiatAmount.Equal(trade.FiatAmount) {
		t.Errorf("Amounts changed in storage: %s %s", got.AssetAmount, got.FiatAmount)
	}
	if !got.Confirmations.BuyerConfirmed || got.Confirmations.SellerConfirmed {
		t.Errorf("Unexpected confirmations %+v", got.Confirmations)
	}
	if got.AutoReleaseDeadline == nil || !got.AutoReleaseDeadline.Equal(deadline) {
		t.Errorf("Expected deadline %v, got %v", deadline, got.AutoReleaseDeadline)
	}
	if got.IdempotencyToken != trade.IdempotencyToken || got.Settlement != nil {
		t.Error("Expected token persisted and no settlement")
	}

	got.Status = TradePaymentConfirmed
	got.Settlement = &Settlement{
		ReleaseAmount: dec("0.02"),
		RefundAmount:  dec("0"),
		Reason:        ReasonConfirmed,
		Target:        TradeReleased,
		Pending:       true,
		Attempts:      2,
		LastError:     "custody unavailable",
		CreatedAt:     now,
	}
	if err := store.UpdateTrade(ctx, got); err != nil {
		t.Fatalf("UpdateTrade failed: %v", err)
	}
	again, _ := store.GetTrade(ctx, trade.ID)
	if again.Settlement == nil || !again.Settlement.Pending || again.Settlement.Attempts != 2 {
		t.Errorf("Expected settlement to round-trip, got %+v", again.Settlement)
	}

	if _, err := store.GetTrade(ctx, "trd_missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("Expected ErrTradeNotFound, got %v", err)
	}
	missing := pgTrade(now)
	if err := store.UpdateTrade(ctx, missing); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("Expected ErrTradeNotFound on update, got %v", err)
	}
}

func TestPostgresStore_StaleWriteConflicts(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	trade := pgTrade(now)
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	first, _ := store.GetTrade(ctx, trade.ID)
	second, _ := store.GetTrade(ctx, trade.ID)
	if first.Version != 1 {
		t.Fatalf("Expected a new trade at version 1, got %d", first.Version)
	}

	first.Status = TradeDisputed
	if err := store.UpdateTrade(ctx, first); err != nil {
		t.Fatalf("UpdateTrade failed: %v", err)
	}
	second.Status = TradeReleased
	if err := store.UpdateTrade(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	got, _ := store.GetTrade(ctx, trade.ID)
	if got.Status != TradeDisputed || got.Version != 2 {
		t.Errorf("Expected DISPUTED at version 2, got %s at %d", got.Status, got.Version)
	}
}

func TestPostgresStore_ListTrades(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		tr := pgTrade(now.Add(time.Duration(i) * time.Second))
		if i == 2 {
			tr.BuyerID = "buyer-2"
			tr.Status = TradeReleased
		}
		if err := store.CreateTrade(ctx, tr); err != nil {
			t.Fatalf("CreateTrade failed: %v", err)
		}
	}

	mine, err := store.ListTrades(ctx, TradeFilter{PartyID: buyer})
	if err != nil {
		t.Fatalf("ListTrades failed: %v", err)
	}
	if len(mine) != 2 || mine[0].CreatedAt.Before(mine[1].CreatedAt) {
		t.Errorf("Expected 2 trades newest first, got %d", len(mine))
	}
	bySeller, _ := store.ListTrades(ctx, TradeFilter{PartyID: seller, Status: TradeReleased})
	if len(bySeller) != 1 {
		t.Errorf("Expected 1 released trade for seller, got %d", len(bySeller))
	}
	limited, _ := store.ListTrades(ctx, TradeFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}

func TestPostgresStore_DisputeRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	trade := pgTrade(now)
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	d := pgDispute(trade, now)
	trade.Status = TradeDisputed
	trade.DisputeID = d.ID
	trade.PreDisputeStatus = TradePaymentPending
	if err := store.OpenDispute(ctx, trade, d); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	storedTrade, _ := store.GetTrade(ctx, trade.ID)
	if storedTrade.Status != TradeDisputed || storedTrade.DisputeID != d.ID {
		t.Fatalf("Expected trade to point at dispute, got %s %q", storedTrade.Status, storedTrade.DisputeID)
	}

	d.AssignedAdminID = "arb-1"
	d.Status = DisputeResolved
	d.Evidence = append(d.Evidence, Evidence{ID: "evd_1", Seq: d.nextSeq(), Type: EvidenceScreenshot, UploadedBy: PartyComplainant, UploaderID: buyer, UploadedAt: now})
	d.Messages = append(d.Messages, Message{ID: "msg_1", Seq: d.nextSeq(), AuthorID: "arb-1", AuthorRole: PartyAdmin, Content: "note", Private: true, PostedAt: now})
	d.Resolution = &Resolution{
		Decision:     DecisionPartialRefund,
		Reasoning:    "split",
		Compensation: &Compensation{Amount: dec("200"), Currency: "USD", RecipientID: buyer},
		ResolvedBy:   "arb-1",
		ResolvedAt:   now,
	}
	d.ResolvedAt = &now
	storedTrade.Settlement = &Settlement{ReleaseAmount: dec("0.004"), RefundAmount: dec("0.016"), Reason: ReasonResolution, Target: TradeRefunded, Pending: true, CreatedAt: now}
	if err := store.SaveTradeAndDispute(ctx, storedTrade, d); err != nil {
		t.Fatalf("SaveTradeAndDispute failed: %v", err)
	}

	got, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if got.AssignedAdminID != "arb-1" || got.NextSeq != 2 {
		t.Errorf("Unexpected assignment or sequence: %q %d", got.AssignedAdminID, got.NextSeq)
	}
	if len(got.Evidence) != 1 || len(got.Messages) != 1 || !got.Messages[0].Private {
		t.Errorf("Expected evidence and private message to round-trip, got %+v", got)
	}
	if got.Resolution == nil || !got.Resolution.Compensation.Amount.Equal(dec("200")) {
		t.Errorf("Expected resolution with compensation, got %+v", got.Resolution)
	}
	if got.RiskFactors["trade_value"] != 0.4 || !got.Deadlines.Resolution.Equal(d.Deadlines.Resolution) {
		t.Error("Expected risk factors and deadlines to round-trip")
	}
	settledTrade, _ := store.GetTrade(ctx, trade.ID)
	if settledTrade.Settlement == nil || !settledTrade.Settlement.RefundAmount.Equal(dec("0.016")) {
		t.Errorf("Expected settlement written with the dispute, got %+v", settledTrade.Settlement)
	}

	if _, err := store.GetDispute(ctx, "dsp_missing"); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("Expected ErrDisputeNotFound, got %v", err)
	}
}

func TestPostgresStore_OpenDisputeIsAtomic(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	trade := pgTrade(now)
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	first := pgDispute(trade, now)
	trade.Status = TradeDisputed
	trade.DisputeID = first.ID
	if err := store.OpenDispute(ctx, trade, first); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	// A duplicate dispute ID fails the insert, so the trade write rolls back.
	trade.DisputeID = "dsp_other"
	trade.PreDisputeStatus = TradePaymentConfirmed
	if err := store.OpenDispute(ctx, trade, first); err == nil {
		t.Fatal("Expected duplicate dispute insert to fail")
	}
	got, _ := store.GetTrade(ctx, trade.ID)
	if got.DisputeID != first.ID {
		t.Errorf("Expected trade update to roll back, got dispute %q", got.DisputeID)
	}
}

func TestPostgresStore_ListDisputes(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var ids []string
	for i := 0; i < 4; i++ {
		trade := pgTrade(now)
		if err := store.CreateTrade(ctx, trade); err != nil {
			t.Fatalf("CreateTrade failed: %v", err)
		}
		d := pgDispute(trade, now.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			d.AssignedAdminID = "arb-1"
			d.Status = DisputeUnderReview
			d.Category = CategoryPaymentFraud
		}
		if err := store.OpenDispute(ctx, trade, d); err != nil {
			t.Fatalf("OpenDispute failed: %v", err)
		}
		ids = append(ids, d.ID)
	}

	unassigned, err := store.ListDisputes(ctx, DisputeFilter{Unassigned: true})
	if err != nil {
		t.Fatalf("ListDisputes failed: %v", err)
	}
	if len(unassigned) != 2 || unassigned[0].ID != ids[2] {
		t.Errorf("Expected 2 unassigned newest first, got %d", len(unassigned))
	}

	review, _ := store.ListDisputes(ctx, DisputeFilter{
		Statuses:        []DisputeStatus{DisputeUnderReview, DisputeAwaitingResponse},
		AssignedAdminID: "arb-1",
		Category:        CategoryPaymentFraud,
	})
	if len(review) != 2 {
		t.Errorf("Expected 2 disputes under review by arb-1, got %d", len(review))
	}

	page, _ := store.ListDisputes(ctx, DisputeFilter{Limit: 2})
	if len(page) != 2 || page[0].ID != ids[3] {
		t.Fatalf("Expected first page starting at newest, got %d", len(page))
	}
	last := page[len(page)-1]
	rest, _ := store.ListDisputes(ctx, DisputeFilter{
		Cursor: &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	if len(rest) != 2 || rest[0].ID != ids[1] {
		t.Errorf("Expected the two oldest after the cursor, got %d", len(rest))
	}

	byTrade, _ := store.ListDisputes(ctx, DisputeFilter{TradeID: page[0].TradeID})
	if len(byTrade) != 1 {
		t.Errorf("Expected one dispute for trade, got %d", len(byTrade))
	}
}

// TestPostgresStore_ServiceFlow runs the dispute scenario end to end on
// Postgres.
func TestPostgresStore_ServiceFlow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	backend := custody.NewMemoryBackend()
	policy := DefaultPolicy()
	policy.CustodyBaseDelay = 0
	svc := NewService(store, backend).WithPolicy(policy)

	trade, err := svc.CreateTrade(ctx, CreateTradeRequest{
		BuyerID: buyer, SellerID: seller, Asset: "BTC",
		AssetAmount: "0.02", FiatAmount: "1000", FiatCurrency: "USD",
	})
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	if _, err := svc.Fund(ctx, trade.ID, Actor{ID: seller}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := svc.Confirm(ctx, trade.ID, Actor{ID: buyer}); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	d, err := svc.OpenDispute(ctx, trade.ID, Actor{ID: buyer}, CategoryPaymentIssue, "no answer")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	admin := Actor{ID: "arb-1", Admin: true}
	if _, err := svc.AssignAdmin(ctx, d.ID, admin.ID, "system"); err != nil {
		t.Fatalf("AssignAdmin failed: %v", err)
	}
	if _, err := svc.StartReview(ctx, d.ID, admin); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	for _, who := range []string{buyer, seller} {
		if _, err := svc.SubmitEvidence(ctx, d.ID, Actor{ID: who}, EvidenceInput{Type: EvidenceScreenshot}); err != nil {
			t.Fatalf("SubmitEvidence failed: %v", err)
		}
	}
	if _, err := svc.Resolve(ctx, d.ID, admin, ResolveRequest{
		Decision:     DecisionPartialRefund,
		Reasoning:    "partial",
		Compensation: &Compensation{Amount: dec("200"), RecipientID: buyer},
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, _ := store.GetTrade(ctx, trade.ID)
	if got.Status != TradeRefunded || got.Settlement.Pending {
		t.Errorf("Expected settled REFUNDED trade, got %s %+v", got.Status, got.Settlement)
	}
	if !backend.PaidTo(buyer).Equal(dec("0.004")) || !backend.PaidTo(seller).Equal(dec("0.016")) {
		t.Errorf("Unexpected payouts: buyer %s seller %s", backend.PaidTo(buyer), backend.PaidTo(seller))
	}
}
