// Package identity holds the per-user reputation inputs the dispute scorer
// reads: trust score, verification flag and prior dispute count.
//
// Profiles are written by admins (or an upstream KYC/reputation feed) and
// the prior dispute counter is maintained from dispute.opened events
// relayed through the outbox.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/outbox"
	"github.com/mbd888/tradeguard/internal/riskscore"
)

// NeutralTrust is the trust score of a user nobody has rated yet.
const NeutralTrust = 50.0

var (
	ErrProfileNotFound = errors.New("identity: profile not found")
	ErrInvalidProfile  = errors.New("identity: invalid profile")
)

// Profile is the reputation snapshot of one user.
type Profile struct {
	UserID        string    `json:"userId"`
	TrustScore    float64   `json:"trustScore"`
	Verified      bool      `json:"verified"`
	PriorDisputes int       `json:"priorDisputes"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Party converts the profile to scorer input.
func (p *Profile) Party() riskscore.Party {
	return riskscore.Party{
		TrustScore:    p.TrustScore,
		Verified:      p.Verified,
		PriorDisputes: p.PriorDisputes,
	}
}

// Validate checks the fields an admin may set.
func (p *Profile) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidProfile)
	}
	if p.TrustScore < 0 || p.TrustScore > 100 {
		return fmt.Errorf("%w: trust score %.2f outside 0-100", ErrInvalidProfile, p.TrustScore)
	}
	if p.PriorDisputes < 0 {
		return fmt.Errorf("%w: prior disputes must not be negative", ErrInvalidProfile)
	}
	return nil
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	// Upsert writes trust score and verification. PriorDisputes is only
	// written when the profile is created.
	Upsert(ctx context.Context, p *Profile) error
	// RecordDispute counts disputeID against userID once. It reports
	// whether the dispute was new for the user.
	RecordDispute(ctx context.Context, userID, disputeID string, at time.Time) (bool, error)
}

// Directory serves profiles to the escrow engine and keeps dispute
// counters current.
type Directory struct {
	store  Store
	logger *slog.Logger
}

var (
	_ escrow.ReputationProvider = (*Directory)(nil)
	_ outbox.Sink               = (*Directory)(nil)
)

// NewDirectory creates a directory over store.
func NewDirectory(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, logger: logger}
}

// Profile returns the stored profile, or a neutral one for unknown users.
func (d *Directory) Profile(ctx context.Context, userID string) (*Profile, error) {
	p, err := d.store.Get(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return &Profile{UserID: userID, TrustScore: NeutralTrust}, nil
	}
	return p, err
}

// PartyProfile implements escrow.ReputationProvider.
func (d *Directory) PartyProfile(ctx context.Context, userID string) (riskscore.Party, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return riskscore.Party{}, err
	}
	return p.Party(), nil
}

func (d *Directory) Name() string { return "identity" }

// Deliver counts a newly opened dispute against both parties. Redelivery
// of the same event is a no-op.
func (d *Directory) Deliver(ctx context.Context, e *outbox.Event) error {
	if e.Topic != string(escrow.EventDisputeOpened) {
		return nil
	}
	ev, err := e.Decode()
	if err != nil {
		return err
	}
	if ev.DisputeID == "" {
		return nil
	}
	for _, user := range ev.Recipients {
		added, err := d.store.RecordDispute(ctx, user, ev.DisputeID, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("record dispute %s for %s: %w", ev.DisputeID, user, err)
		}
		if added {
			d.logger.Debug("prior dispute recorded", "user_id", user, "dispute_id", ev.DisputeID)
		}
	}
	return nil
}
