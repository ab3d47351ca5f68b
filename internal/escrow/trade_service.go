package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/tradeguard/internal/custody"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/riskscore"
	"github.com/mbd888/tradeguard/internal/traces"
	"github.com/mbd888/tradeguard/internal/validation"
	"github.com/shopspring/decimal"
)

// CreateTrade records an accepted offer. No funds move until Fund.
func (s *Service) CreateTrade(ctx context.Context, req CreateTradeRequest) (_ *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateTrade", traces.Actor(req.BuyerID))
	defer func() { traces.End(span, err) }()

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("sellerId", req.SellerID),
		validation.Required("asset", req.Asset),
		validation.ValidAsset("asset", req.Asset),
		validation.Required("assetAmount", req.AssetAmount),
		validation.ValidAmount("assetAmount", req.AssetAmount),
		validation.Required("fiatAmount", req.FiatAmount),
		validation.ValidAmount("fiatAmount", req.FiatAmount),
		validation.ValidCurrency("fiatCurrency", req.FiatCurrency),
		validation.MaxLength("paymentMethod", req.PaymentMethod, 64),
	); len(errs) > 0 {
		return nil, invalid("%s", errs.Error())
	}
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, invalid("buyer and seller cannot be the same user")
	}

	now := s.clock.Now()
	trade := &Trade{
		ID:               idgen.WithPrefix("trd_"),
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		Asset:            req.Asset,
		AssetAmount:      decimal.RequireFromString(req.AssetAmount),
		FiatAmount:       decimal.RequireFromString(req.FiatAmount),
		FiatCurrency:     req.FiatCurrency,
		PaymentMethod:    validation.SanitizeString(req.PaymentMethod, 64),
		Status:           TradeInitiated,
		IdempotencyToken: idgen.Token(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	s.log(ctx).Info("trade created", "trade_id", trade.ID, "buyer", trade.BuyerID, "seller", trade.SellerID,
		"asset", trade.Asset, "asset_amount", trade.AssetAmount.String())
	return trade, nil
}

// Fund locks the seller's asset in custody. A second call fails with
// ErrAlreadyFunded.
func (s *Service) Fund(ctx context.Context, tradeID string, actor Actor) (_ *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.TradeID(tradeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockAll(ctx, tradeKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if actor.ID != t.SellerID && !actor.Admin {
		return nil, tradeError("fund", ErrUnauthorized, t, "only the seller funds a trade")
	}
	if t.FundedAt != nil {
		return nil, tradeError("fund", ErrAlreadyFunded, t, "")
	}
	if t.Status != TradeInitiated {
		return nil, tradeError("fund", ErrInvalidState, t, "")
	}

	if err := s.custodyCall(ctx, custody.LegLock, t, t.SellerID, t.AssetAmount); err != nil {
		s.log(ctx).Error("custody lock failed", "trade_id", t.ID, "error", err)
		return nil, tradeError("fund", ErrCustodyFailure, t, err.Error())
	}

	now := s.clock.Now()
	t.FundedAt = &now
	ev := s.tradeMoved(t, TradeFunded, actor.ID, "funded")
	if err := s.persistAfterCustody(ctx, t, "lock"); err != nil {
		return nil, err
	}
	s.publish(ctx, ev)
	return t, nil
}

// Confirm records one party's side of the handshake. The buyer's
// confirmation marks fiat as paid; the seller's confirms receipt. Repeat
// calls for the same role return the trade unchanged.
func (s *Service) Confirm(ctx context.Context, tradeID string, actor Actor) (_ *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm", traces.TradeID(tradeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockAll(ctx, tradeKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	role, ok := t.RoleOf(actor.ID)
	if !ok {
		return nil, tradeError("confirm", ErrUnauthorized, t, "caller is not a party to this trade")
	}
	if (role == RoleBuyer && t.Confirmations.BuyerConfirmed) ||
		(role == RoleSeller && t.Confirmations.SellerConfirmed) {
		return t, nil
	}
	if t.IsTerminal() || t.Status == TradeInitiated {
		return nil, tradeError("confirm", ErrInvalidState, t, "")
	}

	now := s.clock.Now()
	if role == RoleBuyer {
		t.Confirmations.BuyerConfirmed = true
		t.Confirmations.BuyerConfirmedAt = &now
	} else {
		t.Confirmations.SellerConfirmed = true
		t.Confirmations.SellerConfirmedAt = &now
	}
	t.UpdatedAt = now

	var events []Event
	if t.Status == TradeFunded && role == RoleBuyer {
		deadline := now.Add(s.policy.AutoReleaseWindow)
		t.AutoReleaseDeadline = &deadline
		events = append(events, s.tradeMoved(t, TradePaymentPending, actor.ID, "buyer marked payment sent"))
	}

	// Disputed trades only record the flag; the resolution decides payout.
	if t.Status != TradePaymentPending || !t.Confirmations.Both() {
		if err := s.store.UpdateTrade(ctx, t); err != nil {
			return nil, err
		}
		if t.Status == TradePaymentPending {
			s.schedule(ctx, t.ID, KindAutoRelease, *t.AutoReleaseDeadline)
		}
		s.publish(ctx, events...)
		return t, nil
	}

	events = append(events, s.tradeMoved(t, TradePaymentConfirmed, actor.ID, "both parties confirmed"))
	t.Settlement = s.fullPayout(t, TradeReleased, ReasonConfirmed)
	if err := s.store.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	s.cancelDeadline(ctx, t.ID, KindAutoRelease)
	s.publish(ctx, events...)

	settled, err := s.runSettlement(ctx, t, false)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, settled...)
	return t, nil
}

// AutoRelease is the deadline safety valve. It only acts on a
// PAYMENT_PENDING trade whose deadline has passed; anything else is a
// no-op that returns the trade as stored.
func (s *Service) AutoRelease(ctx context.Context, tradeID string) (_ *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.TradeID(tradeID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockAll(ctx, tradeKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if t.Status != TradePaymentPending || t.AutoReleaseDeadline == nil || now.Before(*t.AutoReleaseDeadline) {
		return t, nil
	}

	ev := s.tradeMoved(t, TradePaymentConfirmed, "", string(ReasonAutoRelease))
	t.Settlement = s.fullPayout(t, TradeReleased, ReasonAutoRelease)
	if err := s.store.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	s.publish(ctx, ev)
	s.log(ctx).Info("auto-release deadline reached", "trade_id", t.ID, "deadline", *t.AutoReleaseDeadline)

	settled, err := s.runSettlement(ctx, t, false)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, settled...)
	return t, nil
}

// OpenDispute moves the trade to DISPUTED and creates the dispute in one
// store call. Payout is then frozen until the dispute is resolved or
// withdrawn.
func (s *Service) OpenDispute(ctx context.Context, tradeID string, actor Actor, category Category, description string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TradeID(tradeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	if !category.Valid() {
		return nil, invalid("unknown category %q", category)
	}
	if len(description) > validation.MaxStringLength {
		return nil, invalid("description exceeds maximum length")
	}

	d, err := s.openDispute(ctx, tradeID, actor, category, validation.SanitizeString(description, validation.MaxStringLength))
	if err != nil {
		return nil, err
	}

	if s.hook != nil {
		s.hook.DisputeNeedsAssignment(ctx, d.clone())
		if fresh, err := s.store.GetDispute(ctx, d.ID); err == nil {
			d = fresh
		}
	}
	return d, nil
}

func (s *Service) openDispute(ctx context.Context, tradeID string, actor Actor, category Category, description string) (*Dispute, error) {
	unlock, err := s.lockAll(ctx, tradeKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if _, ok := t.RoleOf(actor.ID); !ok {
		return nil, tradeError("open_dispute", ErrUnauthorized, t, "only trade parties may open a dispute")
	}
	switch {
	case t.Status == TradePaymentPending:
	case t.Status == TradePaymentConfirmed && t.Settlement != nil && t.Settlement.Pending && !t.Settlement.started():
	default:
		return nil, tradeError("open_dispute", ErrInvalidState, t, "")
	}

	complainant, respondent := actor.ID, t.Counterparty(actor.ID)
	score := s.scorer.Score(riskscore.Input{
		TradeValue:  t.FiatAmount,
		Currency:    t.FiatCurrency,
		Category:    string(category),
		Complainant: s.profile(ctx, complainant),
		Respondent:  s.profile(ctx, respondent),
	})

	now := s.clock.Now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TradeID:       t.ID,
		ComplainantID: complainant,
		RespondentID:  respondent,
		Category:      category,
		Description:   description,
		Priority:      score.Priority,
		RiskScore:     score.RiskScore,
		RiskFactors:   score.Factors,
		Status:        DisputeOpen,
		Evidence:      []Evidence{},
		Messages:      []Message{},
		Escalations:   []Escalation{},
		Deadlines: Deadlines{
			Response:   now.Add(s.policy.ResponseWindow),
			Evidence:   now.Add(s.policy.EvidenceWindow),
			Resolution: now.Add(s.policy.ResolutionWindow),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.PreDisputeStatus = t.Status
	t.DisputeID = d.ID
	// An unstarted payout is void; the resolution writes a new one.
	t.Settlement = nil
	moved := s.tradeMoved(t, TradeDisputed, actor.ID, "dispute opened")

	if err := s.store.OpenDispute(ctx, t, d); err != nil {
		return nil, fmt.Errorf("failed to open dispute: %w", err)
	}

	s.cancelDeadline(ctx, t.ID, KindAutoRelease, KindSettlement)
	s.schedule(ctx, d.ID, KindDisputeResponse, d.Deadlines.Response)
	s.schedule(ctx, d.ID, KindDisputeEvidence, d.Deadlines.Evidence)
	s.schedule(ctx, d.ID, KindDisputeResolution, d.Deadlines.Resolution)

	opened := s.newEvent(EventDisputeOpened, t.ID, d.ID)
	opened.ActorID = actor.ID
	opened.To = string(DisputeOpen)
	opened.Reason = string(category)
	opened.Recipients = []string{complainant, respondent}
	s.publish(ctx, moved, opened)

	s.log(ctx).Info("dispute opened", "trade_id", t.ID, "dispute_id", d.ID,
		"category", category, "priority", d.Priority, "risk_score", d.RiskScore)
	return d, nil
}

func (s *Service) profile(ctx context.Context, userID string) riskscore.Party {
	neutral := riskscore.Party{TrustScore: 50}
	if s.reputation == nil {
		return neutral
	}
	p, err := s.reputation.PartyProfile(ctx, userID)
	if err != nil {
		s.log(ctx).Warn("reputation lookup failed, scoring with neutral profile", "user_id", userID, "error", err)
		return neutral
	}
	return p
}

// Cancel abandons a trade before any funds are locked.
func (s *Service) Cancel(ctx context.Context, tradeID string, actor Actor) (_ *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.TradeID(tradeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockAll(ctx, tradeKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if _, ok := t.RoleOf(actor.ID); !ok && !actor.Admin {
		return nil, tradeError("cancel", ErrUnauthorized, t, "")
	}
	if t.Status != TradeInitiated {
		return nil, tradeError("cancel", ErrInvalidState, t, "cancel is only legal before funding")
	}

	now := s.clock.Now()
	ev := s.tradeMoved(t, TradeCancelled, actor.ID, "cancelled")
	t.ResolvedAt = &now
	if err := s.store.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	s.publish(ctx, ev)
	return t, nil
}

// GetTrade returns a trade by ID.
func (s *Service) GetTrade(ctx context.Context, id string) (*Trade, error) {
	return s.store.GetTrade(ctx, id)
}

// ListTrades returns trades newest first.
func (s *Service) ListTrades(ctx context.Context, filter TradeFilter) ([]*Trade, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.ListTrades(ctx, filter)
}
