package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	prof := &Profile{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, trust_score, verified, prior_disputes, updated_at
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&prof.UserID, &prof.TrustScore, &prof.Verified, &prof.PriorDisputes, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return prof, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, prof *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, trust_score, verified, prior_disputes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			trust_score = EXCLUDED.trust_score,
			verified    = EXCLUDED.verified,
			updated_at  = EXCLUDED.updated_at
	`, prof.UserID, prof.TrustScore, prof.Verified, prof.PriorDisputes, prof.UpdatedAt)
	return err
}

// RecordDispute inserts the history row and bumps the counter in one
// transaction so a redelivered event cannot count twice.
func (p *PostgresStore) RecordDispute(ctx context.Context, userID, disputeID string, at time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_dispute_history (user_id, dispute_id, opened_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, userID, disputeID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, trust_score, verified, prior_disputes, updated_at)
		VALUES ($1, $2, FALSE, 1, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			prior_disputes = user_profiles.prior_disputes + 1,
			updated_at     = EXCLUDED.updated_at
	`, userID, NeutralTrust, at); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
