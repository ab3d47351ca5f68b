package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/scheduler"
	"github.com/mbd888/tradeguard/internal/traces"
	"github.com/mbd888/tradeguard/internal/validation"
)

const (
	// DefaultMaxActive is the per-admin cap when none is configured.
	DefaultMaxActive = 10

	systemActor = "system"
	scanPage    = 200
)

var _ escrow.AssignmentHook = (*Coordinator)(nil)

// Coordinator assigns disputes to admins and audits every admin action.
type Coordinator struct {
	engine    Engine
	admins    AdminStore
	audit     AuditStore
	workload  *Workload
	maxActive int
	clock     scheduler.Clock
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator with its own workload counter.
func NewCoordinator(engine Engine, admins AdminStore, audit AuditStore) *Coordinator {
	return &Coordinator{
		engine:    engine,
		admins:    admins,
		audit:     audit,
		workload:  NewWorkload(),
		maxActive: DefaultMaxActive,
		clock:     scheduler.SystemClock{},
		logger:    slog.Default(),
	}
}

// WithMaxActive sets the global per-admin cap.
func (c *Coordinator) WithMaxActive(n int) *Coordinator {
	if n > 0 {
		c.maxActive = n
	}
	return c
}

// WithWorkload replaces the workload counter.
func (c *Coordinator) WithWorkload(w *Workload) *Coordinator {
	c.workload = w
	return c
}

// WithClock sets the clock used for action timestamps.
func (c *Coordinator) WithClock(clock scheduler.Clock) *Coordinator {
	c.clock = clock
	return c
}

// WithLogger sets the logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	c.logger = l
	return c
}

// Workload exposes the live assignment counts.
func (c *Coordinator) Workload() *Workload {
	return c.workload
}

func (c *Coordinator) log(ctx context.Context) *slog.Logger {
	return logging.Annotate(ctx, c.logger)
}

// Capacity is the admin's effective cap.
func (c *Coordinator) Capacity(a *Admin) int {
	if a.MaxActive > 0 && a.MaxActive < c.maxActive {
		return a.MaxActive
	}
	return c.maxActive
}

// record appends the audit entry for an action. The engine already
// committed (or rejected) the change, so a failed append is logged, not
// returned.
func (c *Coordinator) record(ctx context.Context, disputeID, adminID string, kind ActionKind, details Details, opErr error) {
	action := &Action{
		ID:        idgen.WithPrefix("act_"),
		DisputeID: disputeID,
		Kind:      kind,
		AdminID:   adminID,
		Outcome:   OutcomeOK,
		Details:   details,
		CreatedAt: c.clock.Now(),
	}
	if opErr != nil {
		action.Outcome = OutcomeRejected
		action.FailureReason = opErr.Error()
	}
	if err := c.audit.Append(ctx, action); err != nil {
		c.log(ctx).Error("CRITICAL: arbitration action not recorded",
			"dispute_id", disputeID, "admin_id", adminID, "action", kind, "outcome", action.Outcome, "error", err)
	}
}

// --- Assignment ---

// Assign gives a dispute to a specific admin.
func (c *Coordinator) Assign(ctx context.Context, disputeID, adminID, assignedBy string) (*escrow.Dispute, error) {
	return c.assign(ctx, disputeID, adminID, assignedBy, false)
}

func (c *Coordinator) assign(ctx context.Context, disputeID, adminID, assignedBy string, auto bool) (_ *escrow.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.Assign", traces.DisputeID(disputeID), traces.AdminID(adminID))
	details := &AssignmentDetails{AdminID: adminID, AssignedBy: assignedBy, Auto: auto}
	defer func() {
		traces.End(span, err)
		metrics.AssignmentsTotal.WithLabelValues(assignmentResult(err)).Inc()
		c.record(ctx, disputeID, adminID, ActionAssign, Details{Assignment: details}, err)
	}()

	admin, current, err := c.eligibleAdmin(ctx, adminID, disputeID)
	if err != nil {
		return nil, err
	}
	// Checked before reserving a slot so a full admin does not mask the real reason.
	if current.AssignedAdminID != "" {
		return nil, fmt.Errorf("%w: assigned to %s", escrow.ErrAlreadyAssigned, current.AssignedAdminID)
	}

	capacity := c.Capacity(admin)
	n, ok := c.workload.TryAcquire(adminID, capacity)
	details.ActiveCount, details.Capacity = n, capacity
	if !ok {
		return nil, fmt.Errorf("%w: %s has %d of %d active disputes", ErrAdminOverloaded, adminID, n, capacity)
	}

	d, err := c.engine.AssignAdmin(ctx, disputeID, adminID, assignedBy)
	if err != nil {
		c.workload.Release(adminID)
		details.ActiveCount--
		return nil, err
	}

	c.log(ctx).Info("dispute assigned", "dispute_id", disputeID, "admin_id", adminID,
		"assigned_by", assignedBy, "auto", auto, "active", n, "capacity", capacity)
	return d, nil
}

// eligibleAdmin loads the admin and checks they may take the dispute.
func (c *Coordinator) eligibleAdmin(ctx context.Context, adminID, disputeID string) (*Admin, *escrow.Dispute, error) {
	admin, err := c.admins.GetAdmin(ctx, adminID)
	if err != nil {
		return nil, nil, err
	}
	if !admin.Active {
		return nil, nil, ErrAdminInactive
	}
	d, err := c.engine.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	if admin.Tier < d.Tier {
		return nil, nil, fmt.Errorf("%w: admin tier %d, dispute tier %d", ErrTierTooLow, admin.Tier, d.Tier)
	}
	return admin, d, nil
}

// Reassign moves a live assignment to another admin, for example when the
// current admin goes off shift.
func (c *Coordinator) Reassign(ctx context.Context, disputeID, toAdminID, by string) (_ *escrow.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.Reassign", traces.DisputeID(disputeID), traces.AdminID(toAdminID))
	details := &AssignmentDetails{AdminID: toAdminID, AssignedBy: by}
	defer func() {
		traces.End(span, err)
		c.record(ctx, disputeID, toAdminID, ActionReassign, Details{Assignment: details}, err)
	}()

	current, err := c.engine.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	details.FromAdminID = current.AssignedAdminID
	if current.AssignedAdminID == "" {
		return nil, fmt.Errorf("%w: dispute has no admin to reassign from", escrow.ErrNotAssigned)
	}

	admin, _, err := c.eligibleAdmin(ctx, toAdminID, disputeID)
	if err != nil {
		return nil, err
	}
	capacity := c.Capacity(admin)
	n, ok := c.workload.TryAcquire(toAdminID, capacity)
	details.ActiveCount, details.Capacity = n, capacity
	if !ok {
		return nil, fmt.Errorf("%w: %s has %d of %d active disputes", ErrAdminOverloaded, toAdminID, n, capacity)
	}

	d, err := c.engine.ReassignAdmin(ctx, disputeID, current.AssignedAdminID, toAdminID, by)
	if err != nil {
		c.workload.Release(toAdminID)
		details.ActiveCount--
		return nil, err
	}
	c.workload.Release(current.AssignedAdminID)
	return d, nil
}

// AutoAssign works through unassigned OPEN and ESCALATED disputes, highest
// risk first, and returns how many were assigned.
func (c *Coordinator) AutoAssign(ctx context.Context) (int, error) {
	queue, err := c.collect(ctx, escrow.DisputeFilter{
		Statuses:   []escrow.DisputeStatus{escrow.DisputeOpen, escrow.DisputeEscalated},
		Unassigned: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load assignment queue: %w", err)
	}
	if len(queue) == 0 {
		return 0, nil
	}
	SortQueue(queue)

	admins, err := c.admins.ListAdmins(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to load admins: %w", err)
	}

	assigned := 0
	for _, d := range queue {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		switch err := c.assignBest(ctx, d, admins); {
		case err == nil:
			assigned++
		case errors.Is(err, ErrNoAdminFree):
			c.log(ctx).Debug("no admin free for dispute", "dispute_id", d.ID, "tier", d.Tier)
		default:
			c.log(ctx).Warn("auto-assign failed", "dispute_id", d.ID, "error", err)
		}
	}
	if assigned > 0 {
		c.log(ctx).Info("auto-assigned disputes", "assigned", assigned, "queued", len(queue))
	}
	return assigned, nil
}

// assignBest tries candidates in preference order until one sticks.
func (c *Coordinator) assignBest(ctx context.Context, d *escrow.Dispute, admins []*Admin) error {
	for _, a := range c.rankCandidates(d, admins) {
		_, err := c.assign(ctx, d.ID, a.ID, systemActor, true)
		if err == nil {
			return nil
		}
		// Someone else filled the slot between ranking and acquiring.
		if errors.Is(err, ErrAdminOverloaded) {
			continue
		}
		return err
	}
	return ErrNoAdminFree
}

// rankCandidates returns eligible admins: specialists in the category
// first, then least loaded.
func (c *Coordinator) rankCandidates(d *escrow.Dispute, admins []*Admin) []*Admin {
	type cand struct {
		admin      *Admin
		load       int
		specialist bool
	}
	var cands []cand
	for _, a := range admins {
		if !a.Active || a.Tier < d.Tier {
			continue
		}
		load := c.workload.Count(a.ID)
		if load >= c.Capacity(a) {
			continue
		}
		cands = append(cands, cand{admin: a, load: load, specialist: a.Specializes(d.Category)})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].specialist != cands[j].specialist {
			return cands[i].specialist
		}
		if cands[i].load != cands[j].load {
			return cands[i].load < cands[j].load
		}
		return cands[i].admin.ID < cands[j].admin.ID
	})
	out := make([]*Admin, len(cands))
	for i, cd := range cands {
		out[i] = cd.admin
	}
	return out
}

// SortQueue orders disputes by risk score (highest first), then by the
// earliest response deadline.
func SortQueue(ds []*escrow.Dispute) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].RiskScore != ds[j].RiskScore {
			return ds[i].RiskScore > ds[j].RiskScore
		}
		if !ds[i].Deadlines.Response.Equal(ds[j].Deadlines.Response) {
			return ds[i].Deadlines.Response.Before(ds[j].Deadlines.Response)
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}

// DisputeNeedsAssignment is called by the engine when a dispute opens,
// escalates or goes overdue without an admin.
func (c *Coordinator) DisputeNeedsAssignment(ctx context.Context, d *escrow.Dispute) {
	if d.AssignedAdminID != "" {
		return
	}
	admins, err := c.admins.ListAdmins(ctx, true)
	if err != nil {
		c.log(ctx).Error("failed to load admins for assignment", "dispute_id", d.ID, "error", err)
		return
	}
	if err := c.assignBest(ctx, d, admins); err != nil {
		c.log(ctx).Info("dispute left in assignment queue", "dispute_id", d.ID, "reason", err)
	}
}

// AssignmentEnded frees the admin's slot after resolve, escalate or
// withdraw.
func (c *Coordinator) AssignmentEnded(_ context.Context, _ string, adminID string) {
	c.workload.Release(adminID)
}

// RebuildWorkload recounts live assignments from dispute state.
func (c *Coordinator) RebuildWorkload(ctx context.Context) (map[string]int, error) {
	live, err := c.collect(ctx, escrow.DisputeFilter{
		Statuses: []escrow.DisputeStatus{escrow.DisputeOpen, escrow.DisputeUnderReview, escrow.DisputeAwaitingResponse},
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, d := range live {
		if d.AssignedAdminID != "" {
			counts[d.AssignedAdminID]++
		}
	}
	c.workload.Reset(counts)
	return counts, nil
}

// collect pages through every dispute matching the filter.
func (c *Coordinator) collect(ctx context.Context, filter escrow.DisputeFilter) ([]*escrow.Dispute, error) {
	filter.Limit = scanPage
	var all []*escrow.Dispute
	for {
		page, err := c.engine.ListDisputes(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < scanPage {
			return all, nil
		}
		last := page[len(page)-1]
		filter.Cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// --- Audited actions ---

func (c *Coordinator) act(ctx context.Context, disputeID, adminID string, kind ActionKind, details Details, fn func(context.Context, escrow.Actor) error) error {
	ctx, span := traces.StartSpan(ctx, "arbitration."+string(kind), traces.DisputeID(disputeID), traces.AdminID(adminID))
	err := fn(ctx, escrow.Actor{ID: adminID, Admin: true})
	traces.End(span, err)
	c.record(ctx, disputeID, adminID, kind, details, err)
	return err
}

// requireAssigned checks the acting admin holds the dispute for actions
// that only post to it.
func (c *Coordinator) requireAssigned(ctx context.Context, disputeID, adminID string) (*escrow.Dispute, error) {
	d, err := c.engine.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.AssignedAdminID == "" || d.AssignedAdminID != adminID {
		return nil, escrow.ErrNotAssigned
	}
	if d.Status.IsFinal() {
		return nil, escrow.ErrClosed
	}
	return d, nil
}

// Investigate starts the review of an assigned OPEN dispute.
func (c *Coordinator) Investigate(ctx context.Context, disputeID, adminID string) (*escrow.Dispute, error) {
	var out *escrow.Dispute
	err := c.act(ctx, disputeID, adminID, ActionInvestigate, Details{}, func(ctx context.Context, actor escrow.Actor) error {
		d, err := c.engine.StartReview(ctx, disputeID, actor)
		out = d
		return err
	})
	return out, err
}

// RequestResponse asks the respondent to answer, optionally with a
// message both parties can read.
func (c *Coordinator) RequestResponse(ctx context.Context, disputeID, adminID, message string) (*escrow.Dispute, error) {
	message = validation.SanitizeString(message, validation.MaxStringLength)
	details := Details{Request: &RequestDetails{From: escrow.PartyRespondent, Message: message}}
	var out *escrow.Dispute
	err := c.act(ctx, disputeID, adminID, ActionRequestResponse, details, func(ctx context.Context, actor escrow.Actor) error {
		d, err := c.engine.RequestResponse(ctx, disputeID, actor)
		if err != nil {
			return err
		}
		out = d
		if message != "" {
			if _, err := c.engine.PostMessage(ctx, disputeID, actor, message, false); err != nil {
				c.log(ctx).Warn("response requested but message not posted", "dispute_id", disputeID, "error", err)
			}
		}
		return nil
	})
	return out, err
}

// RequestEvidence asks one party for more evidence through a public
// message.
func (c *Coordinator) RequestEvidence(ctx context.Context, disputeID, adminID string, from escrow.PartyRole, message string) (*escrow.Message, error) {
	message = validation.SanitizeString(message, validation.MaxStringLength)
	details := Details{Request: &RequestDetails{From: from, Message: message}}
	var out *escrow.Message
	err := c.act(ctx, disputeID, adminID, ActionRequestEvidence, details, func(ctx context.Context, actor escrow.Actor) error {
		if from != escrow.PartyComplainant && from != escrow.PartyRespondent {
			return fmt.Errorf("%w: evidence can be requested from the complainant or the respondent", escrow.ErrInvalidRequest)
		}
		if _, err := c.requireAssigned(ctx, disputeID, adminID); err != nil {
			return err
		}
		text := "Evidence requested from the " + string(from)
		if message != "" {
			text += ": " + message
		}
		msg, err := c.engine.PostMessage(ctx, disputeID, actor, text, false)
		out = msg
		return err
	})
	return out, err
}

// ScheduleHearing announces a hearing time to both parties.
func (c *Coordinator) ScheduleHearing(ctx context.Context, disputeID, adminID string, at time.Time, note string) (*escrow.Message, error) {
	note = validation.SanitizeString(note, validation.MaxStringLength)
	details := Details{Hearing: &HearingDetails{At: at.UTC(), Note: note}}
	var out *escrow.Message
	err := c.act(ctx, disputeID, adminID, ActionScheduleHearing, details, func(ctx context.Context, actor escrow.Actor) error {
		if !at.After(c.clock.Now()) {
			return fmt.Errorf("%w: hearing must be scheduled in the future", escrow.ErrInvalidRequest)
		}
		if _, err := c.requireAssigned(ctx, disputeID, adminID); err != nil {
			return err
		}
		var b strings.Builder
		b.WriteString("Hearing scheduled for ")
		b.WriteString(at.UTC().Format(time.RFC3339))
		if note != "" {
			b.WriteString(": ")
			b.WriteString(note)
		}
		msg, err := c.engine.PostMessage(ctx, disputeID, actor, b.String(), false)
		out = msg
		return err
	})
	return out, err
}

// VerifyEvidence marks an evidence item verified.
func (c *Coordinator) VerifyEvidence(ctx context.Context, disputeID, adminID, evidenceID string) (*escrow.Evidence, error) {
	details := Details{Evidence: &EvidenceDetails{EvidenceID: evidenceID}}
	var out *escrow.Evidence
	err := c.act(ctx, disputeID, adminID, ActionVerifyEvidence, details, func(ctx context.Context, actor escrow.Actor) error {
		ev, err := c.engine.VerifyEvidence(ctx, disputeID, evidenceID, actor)
		out = ev
		return err
	})
	return out, err
}

// Resolve records the decision and settles the trade.
func (c *Coordinator) Resolve(ctx context.Context, disputeID, adminID string, req escrow.ResolveRequest) (*escrow.Dispute, error) {
	details := Details{Decision: &DecisionDetails{
		Decision:     req.Decision,
		Reasoning:    req.Reasoning,
		Compensation: req.Compensation,
	}}
	var out *escrow.Dispute
	err := c.act(ctx, disputeID, adminID, ActionResolve, details, func(ctx context.Context, actor escrow.Actor) error {
		d, err := c.engine.Resolve(ctx, disputeID, actor, req)
		out = d
		return err
	})
	return out, err
}

// Escalate sends the dispute up a tier. The engine hands it back for
// reassignment.
func (c *Coordinator) Escalate(ctx context.Context, disputeID, adminID, reason string) (*escrow.Dispute, error) {
	esc := &EscalationDetails{Reason: reason}
	if d, err := c.engine.GetDispute(ctx, disputeID); err == nil {
		esc.FromTier = d.Tier
	}
	var out *escrow.Dispute
	err := c.act(ctx, disputeID, adminID, ActionEscalate, Details{Escalation: esc}, func(ctx context.Context, actor escrow.Actor) error {
		d, err := c.engine.Escalate(ctx, disputeID, actor, reason)
		out = d
		return err
	})
	return out, err
}

// Close finalizes a resolved dispute.
func (c *Coordinator) Close(ctx context.Context, disputeID, adminID string) (*escrow.Dispute, error) {
	var out *escrow.Dispute
	err := c.act(ctx, disputeID, adminID, ActionClose, Details{}, func(ctx context.Context, actor escrow.Actor) error {
		d, err := c.engine.Close(ctx, disputeID, actor)
		out = d
		return err
	})
	return out, err
}

// AddNote attaches free-form admin notes to the dispute's audit trail.
// Any admin may annotate; notes never reach the parties.
func (c *Coordinator) AddNote(ctx context.Context, disputeID, adminID string, notes map[string]string) error {
	clean := make(map[string]string, len(notes))
	for k, v := range notes {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		clean[k] = validation.SanitizeString(v, validation.MaxStringLength)
	}
	return c.act(ctx, disputeID, adminID, ActionAddNote, Details{Notes: clean}, func(ctx context.Context, _ escrow.Actor) error {
		if len(clean) == 0 {
			return fmt.Errorf("%w: at least one note is required", escrow.ErrInvalidRequest)
		}
		_, err := c.engine.GetDispute(ctx, disputeID)
		return err
	})
}

// ListActions returns the dispute's audit trail in order.
func (c *Coordinator) ListActions(ctx context.Context, disputeID string) ([]*Action, error) {
	return c.audit.ListByDispute(ctx, disputeID)
}

// ListAdminActions returns an admin's most recent actions.
func (c *Coordinator) ListAdminActions(ctx context.Context, adminID string, limit int) ([]*Action, error) {
	return c.audit.ListByAdmin(ctx, adminID, limit)
}

// --- Admin registry ---

// SaveAdmin registers or updates an admin.
func (c *Coordinator) SaveAdmin(ctx context.Context, a *Admin) (*Admin, error) {
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	if errs := validation.Validate(
		validation.Required("id", a.ID),
		validation.Required("name", a.Name),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", escrow.ErrInvalidRequest, errs.Error())
	}
	if a.Tier < 0 || a.MaxActive < 0 {
		return nil, fmt.Errorf("%w: tier and maxActive must not be negative", escrow.ErrInvalidRequest)
	}
	for i, s := range a.Specializations {
		a.Specializations[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	now := c.clock.Now()
	if existing, err := c.admins.GetAdmin(ctx, a.ID); err == nil {
		a.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, ErrAdminNotFound) {
		a.CreatedAt = now
	} else {
		return nil, err
	}
	a.UpdatedAt = now
	if err := c.admins.SaveAdmin(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAdmins returns the registry.
func (c *Coordinator) ListAdmins(ctx context.Context, activeOnly bool) ([]*Admin, error) {
	return c.admins.ListAdmins(ctx, activeOnly)
}

func assignmentResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAdminOverloaded):
		return "overloaded"
	case errors.Is(err, ErrTierTooLow):
		return "tier_too_low"
	case errors.Is(err, ErrAdminNotFound), errors.Is(err, ErrAdminInactive):
		return "admin_unavailable"
	}
	return escrow.Code(err)
}
