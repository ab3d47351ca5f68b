package arbitration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists admins and the action log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ AdminStore = (*PostgresStore)(nil)
	_ AuditStore = (*PostgresStore)(nil)
)

func (p *PostgresStore) SaveAdmin(ctx context.Context, a *Admin) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admins (id, name, specializations, tier, max_active, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			specializations = EXCLUDED.specializations,
			tier = EXCLUDED.tier,
			max_active = EXCLUDED.max_active,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, pq.Array(nonNil(a.Specializations)), a.Tier, a.MaxActive, a.Active, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, specializations, tier, max_active, active, created_at, updated_at
		FROM admins WHERE id = $1`, id)
	a, err := scanAdmin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdminNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAdmins(ctx context.Context, activeOnly bool) ([]*Admin, error) {
	query := `SELECT id, name, specializations, tier, max_active, active, created_at, updated_at FROM admins`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Admin
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Append(ctx context.Context, a *Action) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal action details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO arbitration_actions (id, dispute_id, action, admin_id, outcome, failure_reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DisputeID, string(a.Kind), a.AdminID, string(a.Outcome), a.FailureReason, details, a.CreatedAt,
	)
	return err
}

const actionColumns = `id, dispute_id, action, admin_id, outcome, failure_reason, details, created_at`

func (p *PostgresStore) ListByDispute(ctx context.Context, disputeID string) ([]*Action, error) {
	return p.queryActions(ctx, `
		SELECT `+actionColumns+` FROM arbitration_actions
		WHERE dispute_id = $1 ORDER BY seq`, disputeID)
}

func (p *PostgresStore) ListByAdmin(ctx context.Context, adminID string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryActions(ctx, `
		SELECT `+actionColumns+` FROM arbitration_actions
		WHERE admin_id = $1 ORDER BY seq DESC LIMIT $2`, adminID, limit)
}

func (p *PostgresStore) queryActions(ctx context.Context, query string, args ...any) ([]*Action, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Action
	for rows.Next() {
		a := &Action{}
		var kind, outcome string
		var details []byte
		if err := rows.Scan(&a.ID, &a.DisputeID, &kind, &a.AdminID, &outcome, &a.FailureReason, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = ActionKind(kind)
		a.Outcome = Outcome(outcome)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details of action %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAdmin(row scanner) (*Admin, error) {
	a := &Admin{}
	var specs pq.StringArray
	if err := row.Scan(&a.ID, &a.Name, &specs, &a.Tier, &a.MaxActive, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Specializations = []string(specs)
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
