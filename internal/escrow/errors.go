package escrow

import (
	"errors"
	"fmt"

	"github.com/mbd888/tradeguard/internal/metrics"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrInvalidState       = errors.New("operation not allowed in current state")
	ErrAlreadyFunded      = errors.New("trade already funded")
	ErrNotAssigned        = errors.New("caller is not the assigned admin")
	ErrAlreadyAssigned    = errors.New("dispute already has an assigned admin")
	ErrDeadlineExpired    = errors.New("deadline expired")
	ErrCustodyFailure     = errors.New("custody backend failure")
	ErrClosed             = errors.New("dispute is closed")
	ErrUnauthorized       = errors.New("not authorized for this operation")
	ErrEvidenceIncomplete = errors.New("both parties must submit evidence before resolution")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrConflict           = errors.New("record was modified concurrently")
)

// Action names an operation a caller may attempt next.
type Action string

const (
	ActionFund            Action = "fund"
	ActionConfirm         Action = "confirm"
	ActionCancel          Action = "cancel"
	ActionOpenDispute     Action = "open_dispute"
	ActionSubmitEvidence  Action = "submit_evidence"
	ActionVerifyEvidence  Action = "verify_evidence"
	ActionPostMessage     Action = "post_message"
	ActionAssign          Action = "assign"
	ActionStartReview     Action = "start_review"
	ActionRequestResponse Action = "request_response"
	ActionResolve         Action = "resolve"
	ActionEscalate        Action = "escalate"
	ActionClose           Action = "close"
	ActionWithdraw        Action = "withdraw"
	ActionRetrySettlement Action = "retry_settlement"
)

// Error is a rejected state-machine operation. It unwraps to one of the
// sentinel errors above and lists what is legal from the current status.
type Error struct {
	Op          string   `json:"op"`
	Kind        error    `json:"-"`
	Entity      string   `json:"entity"`
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	NextActions []Action `json:"nextActions"`
	Reason      string   `json:"reason,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s %s: %v (status %s)", e.Op, e.Entity, e.ID, e.Kind, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func tradeError(op string, kind error, t *Trade, reason string) *Error {
	metrics.RejectedActionsTotal.WithLabelValues(op, Code(kind)).Inc()
	return &Error{
		Op:          op,
		Kind:        kind,
		Entity:      "trade",
		ID:          t.ID,
		Status:      string(t.Status),
		NextActions: NextTradeActions(t),
		Reason:      reason,
	}
}

func disputeError(op string, kind error, d *Dispute, reason string) *Error {
	metrics.RejectedActionsTotal.WithLabelValues(op, Code(kind)).Inc()
	return &Error{
		Op:          op,
		Kind:        kind,
		Entity:      "dispute",
		ID:          d.ID,
		Status:      string(d.Status),
		NextActions: NextDisputeActions(d),
		Reason:      reason,
	}
}

// NextTradeActions lists the operations legal for a trade right now.
func NextTradeActions(t *Trade) []Action {
	switch t.Status {
	case TradeInitiated:
		return []Action{ActionFund, ActionCancel}
	case TradeFunded:
		return []Action{ActionConfirm}
	case TradePaymentPending:
		return []Action{ActionConfirm, ActionOpenDispute}
	case TradePaymentConfirmed:
		if t.Settlement != nil && t.Settlement.Pending {
			if t.Settlement.started() {
				return []Action{ActionRetrySettlement}
			}
			return []Action{ActionOpenDispute, ActionRetrySettlement}
		}
		return []Action{}
	case TradeDisputed:
		if t.Settlement != nil && t.Settlement.Pending {
			return []Action{ActionRetrySettlement}
		}
		return []Action{ActionSubmitEvidence, ActionPostMessage, ActionWithdraw}
	}
	return []Action{}
}

// NextDisputeActions lists the operations legal for a dispute right now.
func NextDisputeActions(d *Dispute) []Action {
	switch d.Status {
	case DisputeOpen:
		if d.AssignedAdminID == "" {
			return []Action{ActionAssign, ActionSubmitEvidence, ActionPostMessage, ActionWithdraw}
		}
		return []Action{ActionStartReview, ActionSubmitEvidence, ActionPostMessage, ActionWithdraw}
	case DisputeUnderReview:
		return []Action{ActionRequestResponse, ActionResolve, ActionEscalate,
			ActionSubmitEvidence, ActionVerifyEvidence, ActionPostMessage, ActionWithdraw}
	case DisputeAwaitingResponse:
		return []Action{ActionResolve, ActionEscalate,
			ActionSubmitEvidence, ActionVerifyEvidence, ActionPostMessage, ActionWithdraw}
	case DisputeEscalated:
		return []Action{ActionAssign, ActionSubmitEvidence, ActionPostMessage, ActionWithdraw}
	case DisputeResolved:
		return []Action{ActionClose, ActionPostMessage}
	}
	return []Action{}
}

// Code maps an error to a stable snake_case code for API bodies and
// metric labels.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTradeNotFound):
		return "trade_not_found"
	case errors.Is(err, ErrDisputeNotFound):
		return "dispute_not_found"
	case errors.Is(err, ErrAlreadyFunded):
		return "already_funded"
	case errors.Is(err, ErrNotAssigned):
		return "not_assigned"
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, ErrCustodyFailure):
		return "custody_failure"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrEvidenceIncomplete):
		return "evidence_incomplete"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal_error"
}

// invalid wraps a request validation failure.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
