package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/tradeguard/internal/custody"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/riskscore"
	"github.com/mbd888/tradeguard/internal/scheduler"
	"github.com/mbd888/tradeguard/internal/syncutil"
)

// Deadline kinds owned by this package.
const (
	KindAutoRelease       scheduler.Kind = "trade.auto_release"
	KindSettlement        scheduler.Kind = "trade.settlement"
	KindDisputeResponse   scheduler.Kind = "dispute.response"
	KindDisputeEvidence   scheduler.Kind = "dispute.evidence"
	KindDisputeResolution scheduler.Kind = "dispute.resolution"
)

// settlementRetryDelay is how long a failed foreground payout waits before
// the scheduler takes over.
const settlementRetryDelay = 30 * time.Second

// Custody abstracts the asset custody backend so escrow doesn't import a
// concrete client.
type Custody interface {
	Lock(ctx context.Context, req custody.Request) error
	Release(ctx context.Context, req custody.Request) error
	Refund(ctx context.Context, req custody.Request) error
}

// DeadlineScheduler is the durable timer service.
type DeadlineScheduler interface {
	Schedule(ctx context.Context, entityID string, kind scheduler.Kind, dueAt time.Time) error
	Cancel(ctx context.Context, entityID string, kind scheduler.Kind) error
}

// EventPublisher receives lifecycle events after the state change is
// committed. Delivery is at-least-once and owned by the publisher.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// AssignmentHook lets the arbitration layer react to disputes that need an
// admin or no longer hold one. Hooks run after entity locks are released.
type AssignmentHook interface {
	DisputeNeedsAssignment(ctx context.Context, d *Dispute)
	AssignmentEnded(ctx context.Context, disputeID, adminID string)
}

// ReputationProvider supplies scorer inputs for a user.
type ReputationProvider interface {
	PartyProfile(ctx context.Context, userID string) (riskscore.Party, error)
}

// Policy holds the configurable windows and arbitration rules.
type Policy struct {
	AutoReleaseWindow time.Duration
	ResponseWindow    time.Duration
	EvidenceWindow    time.Duration
	ResolutionWindow  time.Duration

	CustodyMaxAttempts int
	CustodyBaseDelay   time.Duration

	// RequireBothPartiesEvidence blocks resolution until both parties
	// submitted evidence, unless the respondent defaulted.
	RequireBothPartiesEvidence bool
	// RejectLateEvidence refuses party evidence after the evidence deadline
	// instead of accepting it flagged as late.
	RejectLateEvidence bool

	// AssetPrecision is the number of decimal places used when splitting
	// the asset between parties.
	AssetPrecision int32
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() Policy {
	return Policy{
		AutoReleaseWindow:          30 * time.Minute,
		ResponseWindow:             24 * time.Hour,
		EvidenceWindow:             48 * time.Hour,
		ResolutionWindow:           72 * time.Hour,
		CustodyMaxAttempts:         3,
		CustodyBaseDelay:           500 * time.Millisecond,
		RequireBothPartiesEvidence: true,
		AssetPrecision:             8,
	}
}

// Service implements the trade and dispute state machines.
type Service struct {
	store      Store
	custody    Custody
	deadlines  DeadlineScheduler
	events     EventPublisher
	hook       AssignmentHook
	reputation ReputationProvider
	scorer     *riskscore.Scorer
	locks      syncutil.Locker
	clock      scheduler.Clock
	policy     Policy
	logger     *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, custody Custody) *Service {
	return &Service{
		store:   store,
		custody: custody,
		scorer:  riskscore.NewScorer(),
		locks:   syncutil.NewKeyedMutex(),
		clock:   scheduler.SystemClock{},
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
	}
}

// WithScheduler adds the durable deadline service.
func (s *Service) WithScheduler(d DeadlineScheduler) *Service {
	s.deadlines = d
	return s
}

// WithEvents adds an event publisher for lifecycle notifications.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithAssignmentHook connects the arbitration coordinator.
func (s *Service) WithAssignmentHook(h AssignmentHook) *Service {
	s.hook = h
	return s
}

// WithReputation adds the identity/reputation source for risk scoring.
func (s *Service) WithReputation(r ReputationProvider) *Service {
	s.reputation = r
	return s
}

// WithScorer replaces the default risk scorer.
func (s *Service) WithScorer(sc *riskscore.Scorer) *Service {
	s.scorer = sc
	return s
}

// WithLocker replaces the in-process keyed mutex, e.g. with a Redis lock
// when several replicas share one database.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

// WithClock replaces the wall clock.
func (s *Service) WithClock(c scheduler.Clock) *Service {
	s.clock = c
	return s
}

// WithPolicy replaces the default policy.
func (s *Service) WithPolicy(p Policy) *Service {
	if p.AssetPrecision == 0 {
		p.AssetPrecision = DefaultPolicy().AssetPrecision
	}
	if p.CustodyMaxAttempts < 1 {
		p.CustodyMaxAttempts = 1
	}
	s.policy = p
	return s
}

// WithLogger sets the structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Annotate(ctx, s.logger)
}

func tradeKey(id string) string   { return "trade:" + id }
func disputeKey(id string) string { return "dispute:" + id }

// lockAll acquires the keys in the order given. Callers always pass the
// trade key before the dispute key.
func (s *Service) lockAll(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := s.locks.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// lockDispute locks the dispute's trade and then the dispute itself. The
// dispute is read once without a lock to learn its trade ID, which never
// changes.
func (s *Service) lockDispute(ctx context.Context, disputeID string) (func(), error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	return s.lockAll(ctx, tradeKey(d.TradeID), disputeKey(disputeID))
}

func (s *Service) schedule(ctx context.Context, entityID string, kind scheduler.Kind, at time.Time) {
	if s.deadlines == nil {
		return
	}
	if err := s.deadlines.Schedule(ctx, entityID, kind, at); err != nil {
		// The maintenance rebuild re-derives missing tasks from entity state.
		s.log(ctx).Error("failed to schedule deadline",
			"entity_id", entityID, "kind", kind, "due_at", at, "error", err)
	}
}

func (s *Service) cancelDeadline(ctx context.Context, entityID string, kinds ...scheduler.Kind) {
	if s.deadlines == nil {
		return
	}
	for _, kind := range kinds {
		if err := s.deadlines.Cancel(ctx, entityID, kind); err != nil {
			s.log(ctx).Warn("failed to cancel deadline", "entity_id", entityID, "kind", kind, "error", err)
		}
	}
}

// EventType names an outbound lifecycle event.
type EventType string

const (
	EventTradeStatusChanged   EventType = "trade.status_changed"
	EventTradeStuck           EventType = "trade.stuck"
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeStatusChanged EventType = "dispute.status_changed"
	EventDisputeAssigned      EventType = "dispute.assigned"
	EventDisputeResolved      EventType = "dispute.resolved"
	EventDisputeEscalated     EventType = "dispute.escalated"
	EventDisputeOverdue       EventType = "dispute.overdue"
	EventEvidenceClosed       EventType = "dispute.evidence_closed"
)

// Event is the payload published for every lifecycle change.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	TradeID    string    `json:"tradeId"`
	DisputeID  string    `json:"disputeId,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (s *Service) newEvent(typ EventType, tradeID, disputeID string) Event {
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       typ,
		TradeID:    tradeID,
		DisputeID:  disputeID,
		OccurredAt: s.clock.Now(),
	}
}

// tradeMoved moves a trade to a new status and returns the event to
// publish once the change is persisted.
func (s *Service) tradeMoved(t *Trade, to TradeStatus, actorID, reason string) Event {
	ev := s.newEvent(EventTradeStatusChanged, t.ID, t.DisputeID)
	ev.From, ev.To = string(t.Status), string(to)
	ev.ActorID = actorID
	ev.Reason = reason
	ev.Recipients = []string{t.BuyerID, t.SellerID}
	t.Status = to
	t.UpdatedAt = s.clock.Now()
	return ev
}

func (s *Service) disputeMoved(d *Dispute, to DisputeStatus, actorID, reason string) Event {
	ev := s.newEvent(EventDisputeStatusChanged, d.TradeID, d.ID)
	ev.From, ev.To = string(d.Status), string(to)
	ev.ActorID = actorID
	ev.Reason = reason
	ev.Recipients = []string{d.ComplainantID, d.RespondentID}
	d.Status = to
	d.UpdatedAt = s.clock.Now()
	return ev
}

// publish runs after commit. Failures are logged; the state change stands.
func (s *Service) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		switch ev.Type {
		case EventTradeStatusChanged:
			metrics.TradeTransitionsTotal.WithLabelValues(ev.From, ev.To).Inc()
		case EventDisputeStatusChanged:
			metrics.DisputeTransitionsTotal.WithLabelValues(ev.From, ev.To).Inc()
		}
		if s.events == nil {
			continue
		}
		key := ev.TradeID
		if ev.DisputeID != "" {
			key = ev.DisputeID
		}
		if err := s.events.Publish(ctx, string(ev.Type), key, ev); err != nil {
			s.log(ctx).Error("failed to publish event", "type", ev.Type, "event_id", ev.ID, "error", err)
		}
	}
}
