// Package escrow owns the trade and dispute state machines.
//
// Trade flow:
//  1. Trade created → INITIATED, idempotency token minted
//  2. Seller's asset locked in custody → FUNDED
//  3. Buyer marks fiat paid → PAYMENT_PENDING, auto-release deadline armed
//  4. Seller confirms receipt (or the deadline passes) → PAYMENT_CONFIRMED
//  5. Custody releases the asset to the buyer → RELEASED
//
// Either party may open a dispute from PAYMENT_PENDING or PAYMENT_CONFIRMED.
// The trade then waits in DISPUTED until an assigned admin resolves the
// dispute, and the resolution decides between release, refund, or a split.
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus represents the state of a trade.
type TradeStatus string

const (
	TradeInitiated        TradeStatus = "INITIATED"
	TradeFunded           TradeStatus = "FUNDED"
	TradePaymentPending   TradeStatus = "PAYMENT_PENDING"
	TradePaymentConfirmed TradeStatus = "PAYMENT_CONFIRMED"
	TradeReleased         TradeStatus = "RELEASED"
	TradeRefunded         TradeStatus = "REFUNDED"
	TradeDisputed         TradeStatus = "DISPUTED"
	TradeCancelled        TradeStatus = "CANCELLED"
)

// IsTerminal returns true for RELEASED, REFUNDED and CANCELLED.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeReleased, TradeRefunded, TradeCancelled:
		return true
	}
	return false
}

// Role is a party's side of a trade.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Actor is whoever is calling the engine. Admin is set for arbitrators.
type Actor struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}

// Confirmations records the two-party handshake. Each flag is set once.
type Confirmations struct {
	BuyerConfirmed    bool       `json:"buyerConfirmed"`
	SellerConfirmed   bool       `json:"sellerConfirmed"`
	BuyerConfirmedAt  *time.Time `json:"buyerConfirmedAt,omitempty"`
	SellerConfirmedAt *time.Time `json:"sellerConfirmedAt,omitempty"`
}

// Both reports whether both parties confirmed.
func (c Confirmations) Both() bool {
	return c.BuyerConfirmed && c.SellerConfirmed
}

// SettlementReason records why a payout was authorized.
type SettlementReason string

const (
	ReasonConfirmed        SettlementReason = "confirmed"
	ReasonAutoRelease      SettlementReason = "auto_release"
	ReasonResolution       SettlementReason = "resolution"
	ReasonDisputeWithdrawn SettlementReason = "dispute_withdrawn"
)

// Settlement is the committed payout plan of a trade. ReleaseAmount goes
// to the buyer and RefundAmount goes back to the seller. Pending stays true
// until every non-zero leg has been acknowledged by custody.
type Settlement struct {
	ReleaseAmount decimal.Decimal  `json:"releaseAmount"`
	RefundAmount  decimal.Decimal  `json:"refundAmount"`
	Reason        SettlementReason `json:"reason"`
	Target        TradeStatus      `json:"target"`
	Pending       bool             `json:"pending"`
	ReleaseDone   bool             `json:"releaseDone"`
	RefundDone    bool             `json:"refundDone"`
	Attempts      int              `json:"attempts"`
	// InDoubt is set once a custody call failed ambiguously. The payout is
	// then committed and can only be retried, never voided by a dispute.
	InDoubt       bool             `json:"inDoubt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

// started reports whether custody may already have paid out a leg: one
// succeeded, or a call failed in a way that leaves the outcome unknown.
func (s *Settlement) started() bool {
	return s.ReleaseDone || s.RefundDone || s.InDoubt
}

// Trade is a single escrowed exchange.
type Trade struct {
	ID                  string          `json:"id"`
	BuyerID             string          `json:"buyerId"`
	SellerID            string          `json:"sellerId"`
	Asset               string          `json:"asset"`
	AssetAmount         decimal.Decimal `json:"assetAmount"`
	FiatAmount          decimal.Decimal `json:"fiatAmount"`
	FiatCurrency        string          `json:"fiatCurrency"`
	PaymentMethod       string          `json:"paymentMethod"`
	Status              TradeStatus     `json:"status"`
	Confirmations       Confirmations   `json:"confirmations"`
	AutoReleaseDeadline *time.Time      `json:"autoReleaseDeadline,omitempty"`
	DisputeID           string          `json:"disputeId,omitempty"`
	PreDisputeStatus    TradeStatus     `json:"preDisputeStatus,omitempty"`
	IdempotencyToken    string          `json:"-"`
	Settlement          *Settlement     `json:"settlement,omitempty"`
	FundedAt            *time.Time      `json:"fundedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	ResolvedAt          *time.Time      `json:"resolvedAt,omitempty"`
	// Version is bumped by every store write; a write carrying a stale
	// version fails with ErrConflict.
	Version             int64           `json:"version"`
}

// IsTerminal returns true if the trade is in a final state.
func (t *Trade) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// RoleOf returns the role the user plays in the trade, if any.
func (t *Trade) RoleOf(userID string) (Role, bool) {
	switch userID {
	case t.BuyerID:
		return RoleBuyer, true
	case t.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Counterparty returns the other side of the trade.
func (t *Trade) Counterparty(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

func (t *Trade) clone() *Trade {
	cp := *t
	if t.Settlement != nil {
		s := *t.Settlement
		cp.Settlement = &s
	}
	return &cp
}

// CreateTradeRequest contains the parameters for creating a trade.
type CreateTradeRequest struct {
	BuyerID       string `json:"buyerId" binding:"required"`
	SellerID      string `json:"sellerId" binding:"required"`
	Asset         string `json:"asset" binding:"required"`
	AssetAmount   string `json:"assetAmount" binding:"required"`
	FiatAmount    string `json:"fiatAmount" binding:"required"`
	FiatCurrency  string `json:"fiatCurrency" binding:"required"`
	PaymentMethod string `json:"paymentMethod"`
}

// TradeFilter narrows ListTrades. Zero values match everything.
type TradeFilter struct {
	PartyID string
	Status  TradeStatus
	Limit   int
}

// Store persists trades and disputes. OpenDispute and SaveTradeAndDispute
// must write both records atomically.
type Store interface {
	CreateTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)
	UpdateTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]*Trade, error)

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	UpdateDispute(ctx context.Context, dispute *Dispute) error
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]*Dispute, error)

	// OpenDispute updates the trade and inserts the dispute in one unit.
	OpenDispute(ctx context.Context, trade *Trade, dispute *Dispute) error
	// SaveTradeAndDispute updates both records in one unit.
	SaveTradeAndDispute(ctx context.Context, trade *Trade, dispute *Dispute) error
}
