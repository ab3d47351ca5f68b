// Package custody talks to the asset custody backend that holds the crypto
// leg of a trade. Every call carries an idempotency key; the backend applies
// each key at most once, so callers may retry freely.
package custody

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected means the backend refused the request. Retrying the same
	// request will not help.
	ErrRejected = errors.New("custody: request rejected")
	// ErrUnavailable covers transport failures and 5xx responses.
	ErrUnavailable = errors.New("custody: backend unavailable")
	// ErrInsufficientLocked is returned when a payout exceeds what is locked.
	ErrInsufficientLocked = errors.New("custody: payout exceeds locked amount")
	// ErrNotSent is wrapped alongside ErrUnavailable when the request never
	// reached the backend (open circuit, refused connection).
	ErrNotSent = errors.New("custody: request not sent")
)

// MayHaveApplied reports whether a failed call could still have moved
// funds. Timeouts, 5xx and in-flight conflicts are ambiguous; refusals and
// unsent requests are not.
func MayHaveApplied(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRejected), errors.Is(err, ErrInsufficientLocked), errors.Is(err, ErrNotSent):
		return false
	}
	return true
}

// Leg names a custody operation.
type Leg string

const (
	LegLock    Leg = "lock"
	LegRelease Leg = "release"
	LegRefund  Leg = "refund"
)

// Request is one custody operation. For a lock Party is the owner whose
// asset is locked; for release and refund it is the recipient.
type Request struct {
	TradeID        string          `json:"tradeId"`
	Party          string          `json:"party"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// Key derives the per-leg idempotency key from a trade token.
func Key(token string, leg Leg) string {
	return token + ":" + string(leg)
}
