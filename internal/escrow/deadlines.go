package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradeguard/internal/riskscore"
	"github.com/mbd888/tradeguard/internal/scheduler"
	"github.com/mbd888/tradeguard/internal/traces"
)

var _ scheduler.Handler = (*Service)(nil)
var _ scheduler.StuckHandler = (*Service)(nil)

// OnDeadline is the scheduler entry point. Every branch re-reads entity
// state under its lock and does nothing if the entity moved on, so a late
// or repeated delivery is harmless.
func (s *Service) OnDeadline(ctx context.Context, entityID string, kind scheduler.Kind) error {
	var err error
	switch kind {
	case KindAutoRelease:
		_, err = s.AutoRelease(ctx, entityID)
		if errors.Is(err, ErrCustodyFailure) {
			// The auto-release is committed; the settlement task owns the retry.
			err = nil
		}
	case KindSettlement:
		_, err = s.RetrySettlement(ctx, entityID)
	case KindDisputeResponse:
		err = s.responseDeadline(ctx, entityID)
	case KindDisputeEvidence:
		err = s.evidenceDeadline(ctx, entityID)
	case KindDisputeResolution:
		err = s.resolutionDeadline(ctx, entityID)
	default:
		s.log(ctx).Warn("ignoring deadline of unknown kind", "entity_id", entityID, "kind", kind)
		return nil
	}
	if errors.Is(err, ErrTradeNotFound) || errors.Is(err, ErrDisputeNotFound) {
		return nil
	}
	return err
}

// OnStuck raises the manual-intervention alert once the scheduler has
// given up on a deadline.
func (s *Service) OnStuck(ctx context.Context, task *scheduler.Task) {
	ev := s.newEvent(EventTradeStuck, task.EntityID, "")
	if task.Kind != KindAutoRelease && task.Kind != KindSettlement {
		ev.DisputeID = task.EntityID
		if d, err := s.store.GetDispute(ctx, task.EntityID); err == nil {
			ev.TradeID = d.TradeID
		}
	}
	ev.Reason = string(task.Kind) + ": " + task.LastError
	s.log(ctx).Error("ALERT: deadline exhausted retries, manual intervention required",
		"entity_id", task.EntityID, "kind", task.Kind, "attempts", task.Attempts, "last_error", task.LastError)
	s.publish(ctx, ev)
}

func (s *Service) responseDeadline(ctx context.Context, disputeID string) error {
	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if d.Status.IsFinal() || now.Before(d.Deadlines.Response) {
		return nil
	}
	responded := d.RespondentActivityAt != nil &&
		(d.ResponseRequestedAt == nil || !d.RespondentActivityAt.Before(*d.ResponseRequestedAt))
	if responded || d.RespondentDefaulted && d.Status != DisputeAwaitingResponse {
		return nil
	}

	d.RespondentDefaulted = true
	d.UpdatedAt = now
	var events []Event
	// Default is input for the admin, never a decision. Without an admin
	// the dispute waits in OPEN and AssignAdmin moves it on.
	if d.AssignedAdminID != "" && (d.Status == DisputeOpen || d.Status == DisputeAwaitingResponse) {
		events = append(events, s.disputeMoved(d, DisputeUnderReview, "", "respondent_default"))
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return err
	}
	s.publish(ctx, events...)
	s.log(ctx).Info("respondent missed response deadline", "dispute_id", d.ID, "status", d.Status)
	return nil
}

func (s *Service) evidenceDeadline(ctx context.Context, disputeID string) error {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status.IsFinal() || s.clock.Now().Before(d.Deadlines.Evidence) {
		return nil
	}
	ev := s.newEvent(EventEvidenceClosed, d.TradeID, d.ID)
	ev.Recipients = []string{d.ComplainantID, d.RespondentID}
	s.publish(ctx, ev)
	return nil
}

// resolutionDeadline flags an unresolved dispute as overdue and urgent.
// Financial outcomes are never decided by a timer.
func (s *Service) resolutionDeadline(ctx context.Context, disputeID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolutionDeadline", traces.DisputeID(disputeID))
	d, err := s.markOverdue(ctx, disputeID)
	traces.End(span, err)
	if err != nil || d == nil {
		return err
	}
	if s.hook != nil && d.AssignedAdminID == "" {
		s.hook.DisputeNeedsAssignment(ctx, d)
	}
	return nil
}

func (s *Service) markOverdue(ctx context.Context, disputeID string) (*Dispute, error) {
	unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if d.Resolution != nil || d.Status.IsFinal() || d.Overdue || now.Before(d.Deadlines.Resolution) {
		return nil, nil
	}

	d.Overdue = true
	d.Priority = riskscore.PriorityUrgent
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	ev := s.newEvent(EventDisputeOverdue, d.TradeID, d.ID)
	ev.To = d.AssignedAdminID
	ev.Reason = "resolution deadline passed"
	s.publish(ctx, ev)
	s.log(ctx).Warn("dispute overdue", "dispute_id", d.ID, "admin_id", d.AssignedAdminID)
	return d.clone(), nil
}

// deadlineEnsurer is implemented by schedulers that can arm a task only
// when none exists.
type deadlineEnsurer interface {
	Ensure(ctx context.Context, entityID string, kind scheduler.Kind, dueAt time.Time) (bool, error)
}

// RebuildDeadlines re-derives every deadline from persisted trade and
// dispute state. Existing tasks are kept when the scheduler supports it,
// so stuck tasks stay parked. It returns the number of tasks created.
func (s *Service) RebuildDeadlines(ctx context.Context) (int, error) {
	if s.deadlines == nil {
		return 0, nil
	}
	created := 0
	arm := func(entityID string, kind scheduler.Kind, at time.Time) {
		if e, ok := s.deadlines.(deadlineEnsurer); ok {
			ok, err := e.Ensure(ctx, entityID, kind, at)
			if err != nil {
				s.log(ctx).Error("failed to rebuild deadline", "entity_id", entityID, "kind", kind, "error", err)
			}
			if ok {
				created++
			}
			return
		}
		if err := s.deadlines.Schedule(ctx, entityID, kind, at); err == nil {
			created++
		}
	}

	now := s.clock.Now()
	for _, status := range []TradeStatus{TradePaymentPending, TradePaymentConfirmed, TradeDisputed} {
		trades, err := s.store.ListTrades(ctx, TradeFilter{Status: status})
		if err != nil {
			return created, err
		}
		for _, t := range trades {
			if t.Status == TradePaymentPending && t.AutoReleaseDeadline != nil {
				arm(t.ID, KindAutoRelease, *t.AutoReleaseDeadline)
			}
			if t.Settlement != nil && t.Settlement.Pending {
				arm(t.ID, KindSettlement, now)
			}
		}
	}

	disputes, err := s.store.ListDisputes(ctx, DisputeFilter{
		Statuses: []DisputeStatus{DisputeOpen, DisputeUnderReview, DisputeAwaitingResponse, DisputeEscalated},
	})
	if err != nil {
		return created, err
	}
	for _, d := range disputes {
		if !d.RespondentDefaulted || d.Status == DisputeAwaitingResponse {
			arm(d.ID, KindDisputeResponse, d.Deadlines.Response)
		}
		if now.Before(d.Deadlines.Evidence) {
			arm(d.ID, KindDisputeEvidence, d.Deadlines.Evidence)
		}
		if !d.Overdue {
			arm(d.ID, KindDisputeResolution, d.Deadlines.Resolution)
		}
	}

	if created > 0 {
		s.log(ctx).Info("rebuilt deadlines from entity state", "created", created)
	}
	return created, nil
}
