package escrow

import (
	"time"

	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/riskscore"
	"github.com/shopspring/decimal"
)

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "OPEN"
	DisputeUnderReview      DisputeStatus = "UNDER_REVIEW"
	DisputeAwaitingResponse DisputeStatus = "AWAITING_RESPONSE"
	DisputeResolved         DisputeStatus = "RESOLVED"
	DisputeEscalated        DisputeStatus = "ESCALATED"
	DisputeClosed           DisputeStatus = "CLOSED"
)

// IsFinal returns true once the dispute no longer accepts evidence.
func (s DisputeStatus) IsFinal() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Category classifies what a dispute is about.
type Category string

const (
	CategoryPaymentNotReceived Category = "PAYMENT_NOT_RECEIVED"
	CategoryPaymentIssue       Category = "PAYMENT_ISSUE"
	CategoryPaymentFraud       Category = "PAYMENT_FRAUD"
	CategoryWrongAmount        Category = "WRONG_AMOUNT"
	CategoryAssetNotReleased   Category = "ASSET_NOT_RELEASED"
	CategoryCommunication      Category = "COMMUNICATION"
	CategoryOther              Category = "OTHER"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPaymentNotReceived, CategoryPaymentIssue, CategoryPaymentFraud,
		CategoryWrongAmount, CategoryAssetNotReleased, CategoryCommunication, CategoryOther:
		return true
	}
	return false
}

// PartyRole is who acted within a dispute.
type PartyRole string

const (
	PartyComplainant PartyRole = "complainant"
	PartyRespondent  PartyRole = "respondent"
	PartyAdmin       PartyRole = "admin"
)

// EvidenceType classifies an evidence item.
type EvidenceType string

const (
	EvidenceScreenshot      EvidenceType = "SCREENSHOT"
	EvidenceBankStatement   EvidenceType = "BANK_STATEMENT"
	EvidencePaymentReceipt  EvidenceType = "PAYMENT_RECEIPT"
	EvidenceChatLog         EvidenceType = "CHAT_LOG"
	EvidenceTransactionHash EvidenceType = "TRANSACTION_HASH"
	EvidenceDocument        EvidenceType = "DOCUMENT"
	EvidenceOther           EvidenceType = "OTHER"
)

// Valid reports whether t is a known evidence type.
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceScreenshot, EvidenceBankStatement, EvidencePaymentReceipt,
		EvidenceChatLog, EvidenceTransactionHash, EvidenceDocument, EvidenceOther:
		return true
	}
	return false
}

// Evidence is an append-only item. Only the verification fields change
// after creation.
type Evidence struct {
	ID          string       `json:"id"`
	Seq         int64        `json:"seq"`
	Type        EvidenceType `json:"type"`
	Description string       `json:"description,omitempty"`
	URI         string       `json:"uri,omitempty"`
	UploadedBy  PartyRole    `json:"uploadedBy"`
	UploaderID  string       `json:"uploaderId"`
	UploadedAt  time.Time    `json:"uploadedAt"`
	Late        bool         `json:"late,omitempty"`
	Verified    bool         `json:"verified"`
	VerifiedBy  string       `json:"verifiedBy,omitempty"`
	VerifiedAt  *time.Time   `json:"verifiedAt,omitempty"`
}

// EvidenceInput is what a caller submits.
type EvidenceInput struct {
	Type        EvidenceType `json:"type" binding:"required"`
	Description string       `json:"description"`
	URI         string       `json:"uri"`
}

// Message is a dispute chat entry. Private messages are admin-only.
type Message struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	AuthorID   string    `json:"authorId"`
	AuthorRole PartyRole `json:"authorRole"`
	Content    string    `json:"content"`
	Private    bool      `json:"private,omitempty"`
	PostedAt   time.Time `json:"postedAt"`
}

// Decision is the outcome of arbitration.
type Decision string

const (
	DecisionFavorComplainant Decision = "FAVOR_COMPLAINANT"
	DecisionFavorRespondent  Decision = "FAVOR_RESPONDENT"
	DecisionPartialRefund    Decision = "PARTIAL_REFUND"
	DecisionNoAction         Decision = "NO_ACTION"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionFavorComplainant, DecisionFavorRespondent, DecisionPartialRefund, DecisionNoAction:
		return true
	}
	return false
}

// Compensation is the fiat-denominated share awarded by PARTIAL_REFUND.
type Compensation struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	RecipientID string          `json:"recipientId"`
}

// Resolution is set once per review round and never edited.
type Resolution struct {
	Decision     Decision      `json:"decision"`
	Reasoning    string        `json:"reasoning"`
	Compensation *Compensation `json:"compensation,omitempty"`
	ResolvedBy   string        `json:"resolvedBy"`
	ResolvedAt   time.Time     `json:"resolvedAt"`
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Decision     Decision      `json:"decision" binding:"required"`
	Reasoning    string        `json:"reasoning" binding:"required"`
	Compensation *Compensation `json:"compensation"`
}

// Escalation records a move to a higher arbitration tier.
type Escalation struct {
	Seq         int64     `json:"seq"`
	FromAdminID string    `json:"fromAdminId,omitempty"`
	FromTier    int       `json:"fromTier"`
	ToTier      int       `json:"toTier"`
	Reason      string    `json:"reason"`
	By          string    `json:"by"`
	At          time.Time `json:"at"`
}

// Deadlines are fixed when the dispute opens, except Response which is
// re-armed when an admin requests a response.
type Deadlines struct {
	Response   time.Time `json:"response"`
	Evidence   time.Time `json:"evidence"`
	Resolution time.Time `json:"resolution"`
}

// Dispute is a claim against a trade. It references the trade but never
// writes to it directly.
type Dispute struct {
	ID                   string             `json:"id"`
	TradeID              string             `json:"tradeId"`
	ComplainantID        string             `json:"complainantId"`
	RespondentID         string             `json:"respondentId"`
	Category             Category           `json:"category"`
	Description          string             `json:"description"`
	Priority             riskscore.Priority `json:"priority"`
	RiskScore            int                `json:"riskScore"`
	RiskFactors          map[string]float64 `json:"riskFactors,omitempty"`
	Status               DisputeStatus      `json:"status"`
	AssignedAdminID      string             `json:"assignedAdminId,omitempty"`
	Tier                 int                `json:"tier"`
	Evidence             []Evidence         `json:"evidence"`
	Messages             []Message          `json:"messages"`
	Escalations          []Escalation       `json:"escalationHistory"`
	Resolution           *Resolution        `json:"resolution,omitempty"`
	Deadlines            Deadlines          `json:"deadlines"`
	RespondentActivityAt *time.Time         `json:"respondentActivityAt,omitempty"`
	ResponseRequestedAt  *time.Time         `json:"responseRequestedAt,omitempty"`
	RespondentDefaulted  bool               `json:"respondentDefaulted"`
	Overdue              bool               `json:"overdue"`
	Withdrawn            bool               `json:"withdrawn"`
	NextSeq              int64              `json:"-"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
	ResolvedAt           *time.Time         `json:"resolvedAt,omitempty"`
	ClosedAt             *time.Time         `json:"closedAt,omitempty"`
	Version              int64              `json:"version"`
}

// PartyRoleOf returns the dispute role of a user, if they are a party.
func (d *Dispute) PartyRoleOf(userID string) (PartyRole, bool) {
	switch userID {
	case d.ComplainantID:
		return PartyComplainant, true
	case d.RespondentID:
		return PartyRespondent, true
	}
	return "", false
}

// nextSeq hands out the arrival order shared by evidence, messages and
// escalations.
func (d *Dispute) nextSeq() int64 {
	d.NextSeq++
	return d.NextSeq
}

// hasEvidenceFrom reports whether the given party submitted anything.
func (d *Dispute) hasEvidenceFrom(role PartyRole) bool {
	for _, e := range d.Evidence {
		if e.UploadedBy == role {
			return true
		}
	}
	return false
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	cp.Messages = append([]Message(nil), d.Messages...)
	cp.Escalations = append([]Escalation(nil), d.Escalations...)
	if d.RiskFactors != nil {
		cp.RiskFactors = make(map[string]float64, len(d.RiskFactors))
		for k, v := range d.RiskFactors {
			cp.RiskFactors[k] = v
		}
	}
	if d.Resolution != nil {
		r := *d.Resolution
		if r.Compensation != nil {
			c := *r.Compensation
			r.Compensation = &c
		}
		cp.Resolution = &r
	}
	return &cp
}

// VisibleTo returns a copy with private messages removed unless the viewer
// is an admin.
func (d *Dispute) VisibleTo(actor Actor) *Dispute {
	cp := d.clone()
	if actor.Admin {
		return cp
	}
	msgs := cp.Messages[:0]
	for _, m := range cp.Messages {
		if !m.Private {
			msgs = append(msgs, m)
		}
	}
	cp.Messages = msgs
	return cp
}

// DisputeFilter narrows ListDisputes.
type DisputeFilter struct {
	Statuses        []DisputeStatus
	Category        Category
	Priority        riskscore.Priority
	AssignedAdminID string
	Unassigned      bool
	TradeID         string
	Cursor          *pagination.Cursor
	Limit           int
}

func (f DisputeFilter) matches(d *Dispute) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if d.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.Priority != "" && d.Priority != f.Priority {
		return false
	}
	if f.AssignedAdminID != "" && d.AssignedAdminID != f.AssignedAdminID {
		return false
	}
	if f.Unassigned && d.AssignedAdminID != "" {
		return false
	}
	if f.TradeID != "" && d.TradeID != f.TradeID {
		return false
	}
	return f.Cursor.Admits(d.CreatedAt, d.ID)
}
