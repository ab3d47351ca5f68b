package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/tradeguard/internal/custody"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/retry"
	"github.com/mbd888/tradeguard/internal/traces"
	"github.com/shopspring/decimal"
)

// fullPayout plans a payout of the whole locked amount to one side:
// RELEASED pays the buyer, REFUNDED returns the asset to the seller.
func (s *Service) fullPayout(t *Trade, target TradeStatus, reason SettlementReason) *Settlement {
	st := &Settlement{
		ReleaseAmount: decimal.Zero,
		RefundAmount:  decimal.Zero,
		Reason:        reason,
		Target:        target,
		Pending:       true,
		CreatedAt:     s.clock.Now(),
	}
	if target == TradeRefunded {
		st.RefundAmount = t.AssetAmount
	} else {
		st.ReleaseAmount = t.AssetAmount
	}
	return st
}

// runSettlement drives custody for the trade's committed payout plan and
// persists progress after every attempt. The trade reaches the plan's
// target status only after every non-zero leg succeeded. background is set
// when the scheduler is already retrying, so no new retry task is armed.
func (s *Service) runSettlement(ctx context.Context, t *Trade, background bool) ([]Event, error) {
	st := t.Settlement
	if st == nil || !st.Pending {
		return nil, nil
	}

	var err error
	if st.ReleaseAmount.IsPositive() && !st.ReleaseDone {
		if err = s.custodyCall(ctx, custody.LegRelease, t, t.BuyerID, st.ReleaseAmount); err == nil {
			st.ReleaseDone = true
		}
	}
	if err == nil && st.RefundAmount.IsPositive() && !st.RefundDone {
		if err = s.custodyCall(ctx, custody.LegRefund, t, t.SellerID, st.RefundAmount); err == nil {
			st.RefundDone = true
		}
	}

	now := s.clock.Now()
	if err != nil {
		st.Attempts++
		st.LastError = err.Error()
		if custody.MayHaveApplied(err) {
			st.InDoubt = true
		}
		t.UpdatedAt = now
		if perr := s.store.UpdateTrade(ctx, t); perr != nil {
			s.log(ctx).Error("failed to record settlement attempt", "trade_id", t.ID, "error", perr)
		}
		if !background {
			s.schedule(ctx, t.ID, KindSettlement, now.Add(settlementRetryDelay))
		}
		s.log(ctx).Error("settlement failed, funds remain in custody",
			"trade_id", t.ID, "reason", st.Reason, "attempts", st.Attempts,
			"release_done", st.ReleaseDone, "refund_done", st.RefundDone, "error", err)
		return nil, tradeError("settle", ErrCustodyFailure, t, err.Error())
	}

	st.Pending = false
	st.LastError = ""
	st.CompletedAt = &now
	ev := s.tradeMoved(t, st.Target, "", string(st.Reason))
	t.ResolvedAt = &now
	if err := s.persistAfterCustody(ctx, t, string(st.Reason)); err != nil {
		return nil, err
	}
	s.cancelDeadline(ctx, t.ID, KindSettlement, KindAutoRelease)
	metrics.TradeDuration.WithLabelValues(string(t.Status)).Observe(now.Sub(t.CreatedAt).Seconds())

	s.log(ctx).Info("trade settled", "trade_id", t.ID, "status", t.Status, "reason", st.Reason,
		"release_amount", st.ReleaseAmount.String(), "refund_amount", st.RefundAmount.String())
	return []Event{ev}, nil
}

// persistAfterCustody writes a trade whose custody leg already succeeded.
// Custody has no inverse operation, so a failed write is retried once
// (not on ErrConflict, where another writer already moved the trade on),
// then logged for manual resolution and handed to the settlement task.
func (s *Service) persistAfterCustody(ctx context.Context, t *Trade, what string) error {
	if err := s.store.UpdateTrade(ctx, t); err != nil {
		retryErr := err
		if !errors.Is(err, ErrConflict) {
			retryErr = s.store.UpdateTrade(ctx, t)
		}
		if retryErr != nil {
			s.log(ctx).Error("CRITICAL: custody call succeeded but trade update failed",
				"trade_id", t.ID, "operation", what, "status", t.Status, "error", retryErr)
			if t.Settlement != nil {
				// Replaying the legs is safe: custody dedupes by key.
				s.schedule(ctx, t.ID, KindSettlement, s.clock.Now())
			}
			return fmt.Errorf("failed to update trade after custody %s (requires manual resolution): %w", what, err)
		}
	}
	return nil
}

// custodyCall performs one custody leg with bounded retry. The idempotency
// key is derived from the trade token, so every retry of the same leg is
// applied at most once by the backend.
func (s *Service) custodyCall(ctx context.Context, leg custody.Leg, t *Trade, party string, amount decimal.Decimal) (err error) {
	ctx, span := traces.StartSpan(ctx, "custody."+string(leg),
		traces.TradeID(t.ID), traces.Leg(string(leg)), traces.Amount(amount.String()))
	defer func() { traces.End(span, err) }()

	req := custody.Request{
		TradeID:        t.ID,
		Party:          party,
		Asset:          t.Asset,
		Amount:         amount,
		IdempotencyKey: custody.Key(t.IdempotencyToken, leg),
	}
	policy := retry.Policy{
		MaxAttempts: s.policy.CustodyMaxAttempts,
		BaseDelay:   s.policy.CustodyBaseDelay,
		OnRetry: func(attempt int, err error) {
			metrics.CustodyRetriesTotal.WithLabelValues(string(leg)).Inc()
			s.log(ctx).Warn("custody call failed, retrying",
				"trade_id", t.ID, "leg", leg, "attempt", attempt, "error", err)
		},
	}

	err = policy.Do(ctx, func() error {
		switch leg {
		case custody.LegLock:
			return s.custody.Lock(ctx, req)
		case custody.LegRelease:
			return s.custody.Release(ctx, req)
		default:
			return s.custody.Refund(ctx, req)
		}
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.CustodyCallsTotal.WithLabelValues(string(leg), result).Inc()
	return err
}

// RetrySettlement re-drives a pending payout. It is a no-op when nothing is
// pending, which makes it safe to fire from a stale deadline.
func (s *Service) RetrySettlement(ctx context.Context, tradeID string) (_ *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RetrySettlement", traces.TradeID(tradeID))
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
	if t.Settlement == nil || !t.Settlement.Pending {
		return t, nil
	}

	events, err := s.runSettlement(ctx, t, true)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events...)
	return t, nil
}
