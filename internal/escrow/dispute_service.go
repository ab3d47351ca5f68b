package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/traces"
	"github.com/mbd888/tradeguard/internal/validation"
)

// actorRole resolves what the caller is within a dispute.
func actorRole(d *Dispute, actor Actor) (PartyRole, bool) {
	if role, ok := d.PartyRoleOf(actor.ID); ok {
		return role, true
	}
	if actor.Admin {
		return PartyAdmin, true
	}
	return "", false
}

// requireAssigned checks that actor is the dispute's assigned admin.
func requireAssigned(op string, d *Dispute, actor Actor) error {
	if !actor.Admin {
		return disputeError(op, ErrUnauthorized, d, "admin only")
	}
	if d.AssignedAdminID == "" || d.AssignedAdminID != actor.ID {
		return disputeError(op, ErrNotAssigned, d, "")
	}
	return nil
}

// noteRespondentActivity records that the respondent engaged. A dispute
// waiting on the respondent goes back to review.
func (s *Service) noteRespondentActivity(ctx context.Context, d *Dispute, actor Actor) []Event {
	now := s.clock.Now()
	d.RespondentActivityAt = &now
	if d.Status != DisputeAwaitingResponse {
		return nil
	}
	s.cancelDeadline(ctx, d.ID, KindDisputeResponse)
	return []Event{s.disputeMoved(d, DisputeUnderReview, actor.ID, "respondent responded")}
}

// SubmitEvidence appends an evidence item in arrival order.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID string, actor Actor, in EvidenceInput) (_ *Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitEvidence", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	if !in.Type.Valid() {
		return nil, invalid("unknown evidence type %q", in.Type)
	}
	if errs := validation.Validate(
		validation.MaxLength("description", in.Description, validation.MaxStringLength),
		validation.MaxLength("uri", in.URI, 2048),
	); len(errs) > 0 {
		return nil, invalid("%s", errs.Error())
	}

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsFinal() {
		return nil, disputeError("submit_evidence", ErrClosed, d, "")
	}
	role, ok := actorRole(d, actor)
	if !ok {
		return nil, disputeError("submit_evidence", ErrUnauthorized, d, "only parties and admins may submit evidence")
	}

	now := s.clock.Now()
	late := !now.Before(d.Deadlines.Evidence)
	if late && role != PartyAdmin && s.policy.RejectLateEvidence {
		return nil, disputeError("submit_evidence", ErrDeadlineExpired, d, "evidence window closed")
	}

	ev := Evidence{
		ID:          idgen.WithPrefix("evd_"),
		Seq:         d.nextSeq(),
		Type:        in.Type,
		Description: validation.SanitizeString(in.Description, validation.MaxStringLength),
		URI:         strings.TrimSpace(in.URI),
		UploadedBy:  role,
		UploaderID:  actor.ID,
		UploadedAt:  now,
		Late:        late,
	}
	d.Evidence = append(d.Evidence, ev)
	d.UpdatedAt = now

	var events []Event
	if role == PartyRespondent {
		events = s.noteRespondentActivity(ctx, d, actor)
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.publish(ctx, events...)
	return &ev, nil
}

// PostMessage appends a message. Private messages are admin-only and are
// filtered out of non-admin reads by Dispute.VisibleTo.
func (s *Service) PostMessage(ctx context.Context, disputeID string, actor Actor, content string, private bool) (_ *Message, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PostMessage", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	content = validation.SanitizeString(content, validation.MaxStringLength)
	if content == "" {
		return nil, invalid("message content is required")
	}

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeClosed {
		return nil, disputeError("post_message", ErrClosed, d, "")
	}
	role, ok := actorRole(d, actor)
	if !ok {
		return nil, disputeError("post_message", ErrUnauthorized, d, "")
	}
	if private && role != PartyAdmin {
		return nil, disputeError("post_message", ErrUnauthorized, d, "only admins may post private messages")
	}

	now := s.clock.Now()
	msg := Message{
		ID:         idgen.WithPrefix("msg_"),
		Seq:        d.nextSeq(),
		AuthorID:   actor.ID,
		AuthorRole: role,
		Content:    content,
		Private:    private,
		PostedAt:   now,
	}
	d.Messages = append(d.Messages, msg)
	d.UpdatedAt = now

	var events []Event
	if role == PartyRespondent && !d.Status.IsFinal() {
		events = s.noteRespondentActivity(ctx, d, actor)
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.publish(ctx, events...)
	return &msg, nil
}

// VerifyEvidence marks an evidence item verified. Only the assigned admin
// may do this, and it is the only change evidence ever receives.
func (s *Service) VerifyEvidence(ctx context.Context, disputeID, evidenceID string, actor Actor) (_ *Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.VerifyEvidence", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := requireAssigned("verify_evidence", d, actor); err != nil {
		return nil, err
	}
	if d.Status == DisputeClosed {
		return nil, disputeError("verify_evidence", ErrClosed, d, "")
	}

	for i := range d.Evidence {
		ev := &d.Evidence[i]
		if ev.ID != evidenceID {
			continue
		}
		if ev.Verified {
			cp := *ev
			return &cp, nil
		}
		now := s.clock.Now()
		ev.Verified = true
		ev.VerifiedBy = actor.ID
		ev.VerifiedAt = &now
		d.UpdatedAt = now
		if err := s.store.UpdateDispute(ctx, d); err != nil {
			return nil, err
		}
		cp := *ev
		return &cp, nil
	}
	return nil, invalid("evidence %s not found on dispute %s", evidenceID, disputeID)
}

// AssignAdmin gives an unassigned OPEN or ESCALATED dispute to an admin.
// Capacity is the coordinator's concern; this only guards the dispute.
func (s *Service) AssignAdmin(ctx context.Context, disputeID, adminID, assignedBy string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AssignAdmin", traces.DisputeID(disputeID), traces.AdminID(adminID))
	defer func() { traces.End(span, err) }()

	if adminID == "" {
		return nil, invalid("admin id is required")
	}

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.AssignedAdminID != "" {
		return nil, disputeError("assign", ErrAlreadyAssigned, d, "assigned to "+d.AssignedAdminID)
	}
	if d.Status != DisputeOpen && d.Status != DisputeEscalated {
		return nil, disputeError("assign", ErrInvalidState, d, "")
	}

	d.AssignedAdminID = adminID
	d.UpdatedAt = s.clock.Now()

	var events []Event
	switch {
	case d.Status == DisputeEscalated:
		events = append(events, s.disputeMoved(d, DisputeUnderReview, assignedBy, fmt.Sprintf("reassigned at tier %d", d.Tier)))
	case d.Status == DisputeOpen && d.RespondentDefaulted:
		events = append(events, s.disputeMoved(d, DisputeUnderReview, assignedBy, "respondent defaulted"))
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	assigned := s.newEvent(EventDisputeAssigned, d.TradeID, d.ID)
	assigned.ActorID = assignedBy
	assigned.To = adminID
	assigned.Recipients = []string{d.ComplainantID, d.RespondentID}
	s.publish(ctx, append(events, assigned)...)
	return d, nil
}

// ReassignAdmin moves a live assignment from one admin to another without
// changing status.
func (s *Service) ReassignAdmin(ctx context.Context, disputeID, fromAdminID, toAdminID, by string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReassignAdmin", traces.DisputeID(disputeID), traces.AdminID(toAdminID))
	defer func() { traces.End(span, err) }()

	if toAdminID == "" || toAdminID == fromAdminID {
		return nil, invalid("a different target admin is required")
	}

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.AssignedAdminID == "" || d.AssignedAdminID != fromAdminID {
		return nil, disputeError("reassign", ErrNotAssigned, d, "")
	}
	if d.Status.IsFinal() {
		return nil, disputeError("reassign", ErrInvalidState, d, "")
	}

	d.AssignedAdminID = toAdminID
	d.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	ev := s.newEvent(EventDisputeAssigned, d.TradeID, d.ID)
	ev.ActorID = by
	ev.From, ev.To = fromAdminID, toAdminID
	ev.Recipients = []string{d.ComplainantID, d.RespondentID}
	s.publish(ctx, ev)
	return d, nil
}

// StartReview moves an assigned OPEN dispute into review.
func (s *Service) StartReview(ctx context.Context, disputeID string, actor Actor) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartReview", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := requireAssigned("start_review", d, actor); err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, disputeError("start_review", ErrInvalidState, d, "")
	}

	ev := s.disputeMoved(d, DisputeUnderReview, actor.ID, "review started")
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.publish(ctx, ev)
	return d, nil
}

// RequestResponse asks the respondent to answer and re-arms the response
// deadline from now.
func (s *Service) RequestResponse(ctx context.Context, disputeID string, actor Actor) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestResponse", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := requireAssigned("request_response", d, actor); err != nil {
		return nil, err
	}
	if d.Status != DisputeUnderReview {
		return nil, disputeError("request_response", ErrInvalidState, d, "")
	}

	now := s.clock.Now()
	d.ResponseRequestedAt = &now
	d.Deadlines.Response = now.Add(s.policy.ResponseWindow)
	ev := s.disputeMoved(d, DisputeAwaitingResponse, actor.ID, "response requested")
	ev.Recipients = []string{d.RespondentID}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.schedule(ctx, d.ID, KindDisputeResponse, d.Deadlines.Response)
	s.publish(ctx, ev)
	return d, nil
}

// Resolve records the assigned admin's decision and settles the trade in
// the same locked section (trade lock, then dispute lock). A custody
// failure does not undo the resolution; the payout is retried in the
// background until custody acknowledges it.
func (s *Service) Resolve(ctx context.Context, disputeID string, actor Actor, req ResolveRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.DisputeID(disputeID), traces.AdminID(actor.ID))
	defer func() { traces.End(span, err) }()

	d, err := s.resolve(ctx, disputeID, actor, req)
	if err != nil {
		return nil, err
	}
	if s.hook != nil {
		s.hook.AssignmentEnded(ctx, d.ID, actor.ID)
	}
	return d, nil
}

func (s *Service) resolve(ctx context.Context, disputeID string, actor Actor, req ResolveRequest) (*Dispute, error) {
	if !req.Decision.Valid() {
		return nil, invalid("unknown decision %q", req.Decision)
	}
	reasoning := validation.SanitizeString(req.Reasoning, validation.MaxStringLength)
	if reasoning == "" {
		return nil, invalid("reasoning is required")
	}

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.AssignedAdminID == "" || d.AssignedAdminID != actor.ID || !actor.Admin {
		return nil, disputeError("resolve", ErrNotAssigned, d, "")
	}
	if d.Resolution != nil || (d.Status != DisputeUnderReview && d.Status != DisputeAwaitingResponse) {
		return nil, disputeError("resolve", ErrInvalidState, d, "")
	}
	if s.policy.RequireBothPartiesEvidence && !d.RespondentDefaulted &&
		!(d.hasEvidenceFrom(PartyComplainant) && d.hasEvidenceFrom(PartyRespondent)) {
		return nil, disputeError("resolve", ErrEvidenceIncomplete, d, "")
	}

	t, err := s.store.GetTrade(ctx, d.TradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != TradeDisputed || t.DisputeID != d.ID {
		return nil, tradeError("resolve", ErrInvalidState, t, "trade is not held by this dispute")
	}
	plan, err := s.resolutionPayout(t, d, req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	d.Resolution = &Resolution{
		Decision:     req.Decision,
		Reasoning:    reasoning,
		Compensation: req.Compensation,
		ResolvedBy:   actor.ID,
		ResolvedAt:   now,
	}
	d.ResolvedAt = &now
	moved := s.disputeMoved(d, DisputeResolved, actor.ID, string(req.Decision))
	t.Settlement = plan
	t.UpdatedAt = now

	if err := s.store.SaveTradeAndDispute(ctx, t, d); err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}
	s.cancelDeadline(ctx, d.ID, KindDisputeResponse, KindDisputeEvidence, KindDisputeResolution)
	metrics.DisputeResolutionDuration.Observe(now.Sub(d.CreatedAt).Seconds())

	resolved := s.newEvent(EventDisputeResolved, d.TradeID, d.ID)
	resolved.ActorID = actor.ID
	resolved.Reason = string(req.Decision)
	resolved.Recipients = []string{d.ComplainantID, d.RespondentID}
	s.publish(ctx, moved, resolved)

	s.log(ctx).Info("dispute resolved", "dispute_id", d.ID, "trade_id", t.ID, "decision", req.Decision,
		"admin_id", actor.ID, "release_amount", plan.ReleaseAmount.String(), "refund_amount", plan.RefundAmount.String())

	settled, err := s.runSettlement(ctx, t, false)
	if err != nil {
		s.log(ctx).Warn("resolution recorded, payout deferred to settlement retry", "dispute_id", d.ID, "trade_id", t.ID, "error", err)
	}
	s.publish(ctx, settled...)
	return d, nil
}

// resolutionPayout turns a decision into custody legs.
//
// FAVOR_COMPLAINANT and FAVOR_RESPONDENT pay the whole asset to the favored
// party; NO_ACTION lets the trade complete as agreed (release to the buyer).
// PARTIAL_REFUND awards the recipient a share of the asset proportional to
// compensation / fiatAmount, rounded down to the asset precision, and the
// other party receives the remainder. The trade ends in the status of the
// remainder leg.
func (s *Service) resolutionPayout(t *Trade, d *Dispute, req ResolveRequest) (*Settlement, error) {
	if req.Decision != DecisionPartialRefund && req.Compensation != nil {
		return nil, invalid("compensation only applies to %s", DecisionPartialRefund)
	}

	var favored string
	switch req.Decision {
	case DecisionFavorComplainant:
		favored = d.ComplainantID
	case DecisionFavorRespondent:
		favored = d.RespondentID
	case DecisionNoAction:
		favored = t.BuyerID
	}
	if favored != "" {
		target := TradeReleased
		if favored == t.SellerID {
			target = TradeRefunded
		}
		return s.fullPayout(t, target, ReasonResolution), nil
	}

	c := req.Compensation
	if c == nil {
		return nil, invalid("%s requires compensation", DecisionPartialRefund)
	}
	if c.Currency == "" {
		c.Currency = t.FiatCurrency
	}
	if c.Currency != t.FiatCurrency {
		return nil, invalid("compensation currency %s does not match trade currency %s", c.Currency, t.FiatCurrency)
	}
	if !c.Amount.IsPositive() || !c.Amount.LessThan(t.FiatAmount) {
		return nil, invalid("compensation must be greater than zero and less than %s %s", t.FiatAmount, t.FiatCurrency)
	}
	if _, ok := d.PartyRoleOf(c.RecipientID); !ok {
		return nil, invalid("compensation recipient must be a party to the dispute")
	}

	share := t.AssetAmount.Mul(c.Amount).Div(t.FiatAmount).RoundDown(s.policy.AssetPrecision)
	if !share.IsPositive() {
		return nil, invalid("compensation is too small to split the asset")
	}
	remainder := t.AssetAmount.Sub(share)

	plan := s.fullPayout(t, TradeReleased, ReasonResolution)
	if c.RecipientID == t.BuyerID {
		plan.ReleaseAmount, plan.RefundAmount = share, remainder
		plan.Target = TradeRefunded
	} else {
		plan.RefundAmount, plan.ReleaseAmount = share, remainder
		plan.Target = TradeReleased
	}
	return plan, nil
}

// Escalate sends the dispute to the next arbitration tier. The assignment
// is cleared, so no admin can act until the coordinator reassigns it.
func (s *Service) Escalate(ctx context.Context, disputeID string, actor Actor, reason string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Escalate", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	reason = validation.SanitizeString(reason, validation.MaxStringLength)
	if reason == "" {
		return nil, invalid("escalation reason is required")
	}

	d, fromAdmin, err := s.escalate(ctx, disputeID, actor, reason)
	if err != nil {
		return nil, err
	}
	if s.hook != nil {
		if fromAdmin != "" {
			s.hook.AssignmentEnded(ctx, d.ID, fromAdmin)
		}
		s.hook.DisputeNeedsAssignment(ctx, d.clone())
		if fresh, err := s.store.GetDispute(ctx, d.ID); err == nil {
			d = fresh
		}
	}
	return d, nil
}

func (s *Service) escalate(ctx context.Context, disputeID string, actor Actor, reason string) (*Dispute, string, error) {
	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, "", err
	}
	if _, isParty := d.PartyRoleOf(actor.ID); !isParty {
		if err := requireAssigned("escalate", d, actor); err != nil {
			return nil, "", err
		}
	}
	if d.Status != DisputeUnderReview && d.Status != DisputeAwaitingResponse {
		return nil, "", disputeError("escalate", ErrInvalidState, d, "")
	}

	now := s.clock.Now()
	from := d.AssignedAdminID
	esc := Escalation{
		Seq:         d.nextSeq(),
		FromAdminID: from,
		FromTier:    d.Tier,
		ToTier:      d.Tier + 1,
		Reason:      reason,
		By:          actor.ID,
		At:          now,
	}
	d.Escalations = append(d.Escalations, esc)
	d.Tier++
	d.AssignedAdminID = ""
	moved := s.disputeMoved(d, DisputeEscalated, actor.ID, reason)
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, "", err
	}

	raised := s.newEvent(EventDisputeEscalated, d.TradeID, d.ID)
	raised.ActorID = actor.ID
	raised.From = fmt.Sprintf("tier-%d", esc.FromTier)
	raised.To = fmt.Sprintf("tier-%d", esc.ToTier)
	raised.Reason = reason
	raised.Recipients = []string{d.ComplainantID, d.RespondentID}
	s.publish(ctx, moved, raised)
	return d, from, nil
}

// Close finalizes a resolved dispute. CLOSED is terminal.
func (s *Service) Close(ctx context.Context, disputeID string, actor Actor) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Close", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeClosed {
		return nil, disputeError("close", ErrClosed, d, "")
	}
	if err := requireAssigned("close", d, actor); err != nil {
		return nil, err
	}
	if d.Status != DisputeResolved {
		return nil, disputeError("close", ErrInvalidState, d, "")
	}

	now := s.clock.Now()
	d.ClosedAt = &now
	ev := s.disputeMoved(d, DisputeClosed, actor.ID, "closed")
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.publish(ctx, ev)
	return d, nil
}

// Withdraw lets the complainant drop a dispute before resolution. The
// dispute closes, and the trade returns to where it was: a PAYMENT_PENDING
// trade gets a fresh auto-release window, a PAYMENT_CONFIRMED trade is
// released.
func (s *Service) Withdraw(ctx context.Context, disputeID string, actor Actor) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Withdraw", traces.DisputeID(disputeID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	d, admin, err := s.withdraw(ctx, disputeID, actor)
	if err != nil {
		return nil, err
	}
	if s.hook != nil && admin != "" {
		s.hook.AssignmentEnded(ctx, d.ID, admin)
	}
	return d, nil
}

func (s *Service) withdraw(ctx context.Context, disputeID string, actor Actor) (*Dispute, string, error) {
	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, "", err
	}
	if actor.ID != d.ComplainantID {
		return nil, "", disputeError("withdraw", ErrUnauthorized, d, "only the complainant may withdraw")
	}
	switch d.Status {
	case DisputeClosed:
		return nil, "", disputeError("withdraw", ErrClosed, d, "")
	case DisputeResolved:
		return nil, "", disputeError("withdraw", ErrInvalidState, d, "")
	}
	t, err := s.store.GetTrade(ctx, d.TradeID)
	if err != nil {
		return nil, "", err
	}
	if t.Status != TradeDisputed || t.DisputeID != d.ID {
		return nil, "", tradeError("withdraw", ErrInvalidState, t, "trade is not held by this dispute")
	}

	now := s.clock.Now()
	admin := d.AssignedAdminID
	d.Withdrawn = true
	d.ClosedAt = &now
	events := []Event{s.disputeMoved(d, DisputeClosed, actor.ID, "withdrawn")}

	restore := t.PreDisputeStatus
	t.DisputeID = ""
	t.PreDisputeStatus = ""
	if restore == TradePaymentPending && !t.Confirmations.Both() {
		deadline := now.Add(s.policy.AutoReleaseWindow)
		t.AutoReleaseDeadline = &deadline
		events = append(events, s.tradeMoved(t, TradePaymentPending, actor.ID, "dispute withdrawn"))
	} else {
		events = append(events, s.tradeMoved(t, TradePaymentConfirmed, actor.ID, "dispute withdrawn"))
		t.Settlement = s.fullPayout(t, TradeReleased, ReasonDisputeWithdrawn)
	}

	if err := s.store.SaveTradeAndDispute(ctx, t, d); err != nil {
		return nil, "", fmt.Errorf("failed to withdraw dispute: %w", err)
	}
	s.cancelDeadline(ctx, d.ID, KindDisputeResponse, KindDisputeEvidence, KindDisputeResolution)
	if t.Status == TradePaymentPending {
		s.schedule(ctx, t.ID, KindAutoRelease, *t.AutoReleaseDeadline)
	}
	s.publish(ctx, events...)

	if t.Settlement != nil && t.Settlement.Pending {
		settled, err := s.runSettlement(ctx, t, false)
		if err != nil {
			s.log(ctx).Warn("dispute withdrawn, payout deferred to settlement retry", "dispute_id", d.ID, "trade_id", t.ID, "error", err)
		}
		s.publish(ctx, settled...)
	}
	return d, admin, nil
}

// GetDispute returns a dispute by ID without read filtering.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ViewDispute returns the dispute as the actor is allowed to see it.
func (s *Service) ViewDispute(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := actorRole(d, actor); !ok {
		return nil, disputeError("view", ErrUnauthorized, d, "")
	}
	return d.VisibleTo(actor), nil
}

// ListDisputes returns disputes newest first.
func (s *Service) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*Dispute, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.ListDisputes(ctx, filter)
}
