// Package arbitration coordinates human arbitrators: who handles which
// dispute, how many at once, and an append-only record of every action
// they take through the engine.
package arbitration

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradeguard/internal/escrow"
)

var (
	ErrAdminNotFound   = errors.New("arbitration: admin not found")
	ErrAdminInactive   = errors.New("arbitration: admin is not active")
	ErrAdminOverloaded = errors.New("arbitration: admin is at capacity")
	ErrTierTooLow      = errors.New("arbitration: admin tier below dispute tier")
	ErrNoAdminFree     = errors.New("arbitration: no eligible admin has capacity")
)

// Admin is an arbitrator who can be assigned disputes.
type Admin struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Specializations []string `json:"specializations"`
	// Tier is the highest escalation tier the admin may handle.
	Tier int `json:"tier"`
	// MaxActive caps live assignments. Zero means the coordinator default.
	MaxActive int       `json:"maxActive"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Specializes reports whether the admin lists the category.
func (a *Admin) Specializes(c escrow.Category) bool {
	for _, s := range a.Specializations {
		if s == string(c) {
			return true
		}
	}
	return false
}

// ActionKind names an arbitration action.
type ActionKind string

const (
	ActionAssign          ActionKind = "assign"
	ActionReassign        ActionKind = "reassign"
	ActionInvestigate     ActionKind = "investigate"
	ActionRequestResponse ActionKind = "request_response"
	ActionRequestEvidence ActionKind = "request_evidence"
	ActionScheduleHearing ActionKind = "schedule_hearing"
	ActionVerifyEvidence  ActionKind = "verify_evidence"
	ActionResolve         ActionKind = "resolve"
	ActionEscalate        ActionKind = "escalate"
	ActionClose           ActionKind = "close"
	ActionAddNote         ActionKind = "add_note"
)

// Outcome records whether the engine accepted the action.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
)

// AssignmentDetails is set for assign and reassign.
type AssignmentDetails struct {
	AdminID     string `json:"adminId"`
	FromAdminID string `json:"fromAdminId,omitempty"`
	AssignedBy  string `json:"assignedBy"`
	Auto        bool   `json:"auto,omitempty"`
	ActiveCount int    `json:"activeCount"`
	Capacity    int    `json:"capacity"`
}

// RequestDetails is set for request_response and request_evidence.
type RequestDetails struct {
	From    escrow.PartyRole `json:"from,omitempty"`
	Message string           `json:"message,omitempty"`
}

// HearingDetails is set for schedule_hearing.
type HearingDetails struct {
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// EvidenceDetails is set for verify_evidence.
type EvidenceDetails struct {
	EvidenceID string `json:"evidenceId"`
}

// DecisionDetails is set for resolve.
type DecisionDetails struct {
	Decision     escrow.Decision      `json:"decision"`
	Reasoning    string               `json:"reasoning"`
	Compensation *escrow.Compensation `json:"compensation,omitempty"`
}

// EscalationDetails is set for escalate.
type EscalationDetails struct {
	Reason   string `json:"reason"`
	FromTier int    `json:"fromTier"`
}

// Details holds the payload for one action kind. Exactly one typed field
// is set, matching Action.Kind. Notes is only for add_note.
type Details struct {
	Assignment *AssignmentDetails `json:"assignment,omitempty"`
	Request    *RequestDetails    `json:"request,omitempty"`
	Hearing    *HearingDetails    `json:"hearing,omitempty"`
	Evidence   *EvidenceDetails   `json:"evidence,omitempty"`
	Decision   *DecisionDetails   `json:"decision,omitempty"`
	Escalation *EscalationDetails `json:"escalation,omitempty"`
	Notes      map[string]string  `json:"notes,omitempty"`
}

// Action is one audited arbitration step. Actions are never updated.
type Action struct {
	ID            string     `json:"id"`
	DisputeID     string     `json:"disputeId"`
	Kind          ActionKind `json:"action"`
	AdminID       string     `json:"adminId"`
	Outcome       Outcome    `json:"outcome"`
	FailureReason string     `json:"failureReason,omitempty"`
	Details       Details    `json:"details"`
	CreatedAt     time.Time  `json:"timestamp"`
}

// AdminStore persists the admin registry.
type AdminStore interface {
	SaveAdmin(ctx context.Context, admin *Admin) error
	GetAdmin(ctx context.Context, id string) (*Admin, error)
	ListAdmins(ctx context.Context, activeOnly bool) ([]*Admin, error)
}

// AuditStore is the append-only action log.
type AuditStore interface {
	Append(ctx context.Context, action *Action) error
	ListByDispute(ctx context.Context, disputeID string) ([]*Action, error)
	ListByAdmin(ctx context.Context, adminID string, limit int) ([]*Action, error)
}

// Engine is the subset of the escrow service the coordinator drives.
type Engine interface {
	GetDispute(ctx context.Context, id string) (*escrow.Dispute, error)
	ListDisputes(ctx context.Context, filter escrow.DisputeFilter) ([]*escrow.Dispute, error)
	AssignAdmin(ctx context.Context, disputeID, adminID, assignedBy string) (*escrow.Dispute, error)
	ReassignAdmin(ctx context.Context, disputeID, fromAdminID, toAdminID, by string) (*escrow.Dispute, error)
	StartReview(ctx context.Context, disputeID string, actor escrow.Actor) (*escrow.Dispute, error)
	RequestResponse(ctx context.Context, disputeID string, actor escrow.Actor) (*escrow.Dispute, error)
	PostMessage(ctx context.Context, disputeID string, actor escrow.Actor, content string, private bool) (*escrow.Message, error)
	VerifyEvidence(ctx context.Context, disputeID, evidenceID string, actor escrow.Actor) (*escrow.Evidence, error)
	Resolve(ctx context.Context, disputeID string, actor escrow.Actor, req escrow.ResolveRequest) (*escrow.Dispute, error)
	Escalate(ctx context.Context, disputeID string, actor escrow.Actor, reason string) (*escrow.Dispute, error)
	Close(ctx context.Context, disputeID string, actor escrow.Actor) (*escrow.Dispute, error)
}

var _ Engine = (*escrow.Service)(nil)
