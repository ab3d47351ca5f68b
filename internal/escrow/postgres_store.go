package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/tradeguard/internal/riskscore"
)

// PostgresStore persists trades and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const tradeColumns = `id, buyer_id, seller_id, asset, asset_amount, fiat_amount, fiat_currency,
		       payment_method, status, buyer_confirmed, seller_confirmed,
		       buyer_confirmed_at, seller_confirmed_at, auto_release_deadline,
		       dispute_id, pre_dispute_status, idempotency_token, settlement,
		       funded_at, created_at, updated_at, resolved_at`

// tradeSelect adds the row version, which inserts leave at its default.
const tradeSelect = tradeColumns + `, version`

func (p *PostgresStore) CreateTrade(ctx context.Context, t *Trade) error {
	settlement, err := marshalSettlement(t.Settlement)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		t.ID, t.BuyerID, t.SellerID, t.Asset, t.AssetAmount, t.FiatAmount, t.FiatCurrency,
		t.PaymentMethod, string(t.Status), t.Confirmations.BuyerConfirmed, t.Confirmations.SellerConfirmed,
		nullTime(t.Confirmations.BuyerConfirmedAt), nullTime(t.Confirmations.SellerConfirmedAt), nullTime(t.AutoReleaseDeadline),
		nullString(t.DisputeID), nullString(string(t.PreDisputeStatus)), t.IdempotencyToken, settlement,
		nullTime(t.FundedAt), t.CreatedAt, t.UpdatedAt, nullTime(t.ResolvedAt),
	)
	if err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func (p *PostgresStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeSelect+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateTrade(ctx context.Context, t *Trade) error {
	if err := updateTrade(ctx, p.db, t); err != nil {
		return err
	}
	t.Version++
	return nil
}

func updateTrade(ctx context.Context, db execer, t *Trade) error {
	settlement, err := marshalSettlement(t.Settlement)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, buyer_confirmed = $2, seller_confirmed = $3,
			buyer_confirmed_at = $4, seller_confirmed_at = $5, auto_release_deadline = $6,
			dispute_id = $7, pre_dispute_status = $8, settlement = $9,
			funded_at = $10, updated_at = $11, resolved_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		string(t.Status), t.Confirmations.BuyerConfirmed, t.Confirmations.SellerConfirmed,
		nullTime(t.Confirmations.BuyerConfirmedAt), nullTime(t.Confirmations.SellerConfirmedAt), nullTime(t.AutoReleaseDeadline),
		nullString(t.DisputeID), nullString(string(t.PreDisputeStatus)), settlement,
		nullTime(t.FundedAt), t.UpdatedAt, nullTime(t.ResolvedAt),
		t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	return staleOrMissing(ctx, db, result, "trades", t.ID, t.Version, ErrTradeNotFound)
}

// staleOrMissing turns a versioned update that matched no row into
// ErrConflict when the row exists, or notFound when it does not.
func staleOrMissing(ctx context.Context, db execer, result sql.Result, table, id string, version int64, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	// #nosec G202 -- table is a constant
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return fmt.Errorf("%w: %s %s is no longer at version %d", ErrConflict, table, id, version)
}

func (p *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]*Trade, error) {
	var (
		where []string
		args  []any
	)
	if f.PartyID != "" {
		args = append(args, f.PartyID)
		where = append(where, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + tradeSelect + ` FROM trades`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

const disputeColumns = `id, trade_id, complainant_id, respondent_id, category, description,
		       priority, risk_score, risk_factors, status, assigned_admin_id, tier,
		       evidence, messages, escalations, resolution, next_seq,
		       response_deadline, evidence_deadline, resolution_deadline,
		       respondent_activity_at, response_requested_at, respondent_defaulted,
		       overdue, withdrawn, created_at, updated_at, resolved_at, closed_at`

const disputeSelect = disputeColumns + `, version`

// disputeJSON holds the JSONB columns of a dispute.
type disputeJSON struct {
	factors, evidence, messages, escalations, resolution []byte
}

func marshalDispute(d *Dispute) (*disputeJSON, error) {
	var (
		out disputeJSON
		err error
	)
	if out.factors, err = json.Marshal(nonNilFactors(d.RiskFactors)); err != nil {
		return nil, err
	}
	if out.evidence, err = json.Marshal(nonNil(d.Evidence)); err != nil {
		return nil, err
	}
	if out.messages, err = json.Marshal(nonNil(d.Messages)); err != nil {
		return nil, err
	}
	if out.escalations, err = json.Marshal(nonNil(d.Escalations)); err != nil {
		return nil, err
	}
	if d.Resolution != nil {
		if out.resolution, err = json.Marshal(d.Resolution); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func insertDispute(ctx context.Context, db execer, d *Dispute) error {
	js, err := marshalDispute(d)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27, $28, $29
		)`,
		d.ID, d.TradeID, d.ComplainantID, d.RespondentID, string(d.Category), d.Description,
		string(d.Priority), d.RiskScore, js.factors, string(d.Status), nullString(d.AssignedAdminID), d.Tier,
		js.evidence, js.messages, js.escalations, nullBytes(js.resolution), d.NextSeq,
		d.Deadlines.Response, d.Deadlines.Evidence, d.Deadlines.Resolution,
		nullTime(d.RespondentActivityAt), nullTime(d.ResponseRequestedAt), d.RespondentDefaulted,
		d.Overdue, d.Withdrawn, d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
	)
	return err
}

func updateDispute(ctx context.Context, db execer, d *Dispute) error {
	js, err := marshalDispute(d)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `
		UPDATE disputes SET
			priority = $1, risk_score = $2, status = $3, assigned_admin_id = $4, tier = $5,
			evidence = $6, messages = $7, escalations = $8, resolution = $9, next_seq = $10,
			response_deadline = $11, evidence_deadline = $12, resolution_deadline = $13,
			respondent_activity_at = $14, response_requested_at = $15, respondent_defaulted = $16,
			overdue = $17, withdrawn = $18, updated_at = $19, resolved_at = $20, closed_at = $21,
			version = version + 1
		WHERE id = $22 AND version = $23`,
		string(d.Priority), d.RiskScore, string(d.Status), nullString(d.AssignedAdminID), d.Tier,
		js.evidence, js.messages, js.escalations, nullBytes(js.resolution), d.NextSeq,
		d.Deadlines.Response, d.Deadlines.Evidence, d.Deadlines.Resolution,
		nullTime(d.RespondentActivityAt), nullTime(d.ResponseRequestedAt), d.RespondentDefaulted,
		d.Overdue, d.Withdrawn, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
		d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	return staleOrMissing(ctx, db, result, "disputes", d.ID, d.Version, ErrDisputeNotFound)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeSelect+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	if err := updateDispute(ctx, p.db, d); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListDisputes(ctx context.Context, f DisputeFilter) ([]*Dispute, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.AssignedAdminID != "" {
		add("assigned_admin_id = $%d", f.AssignedAdminID)
	}
	if f.Unassigned {
		where = append(where, "assigned_admin_id IS NULL")
	}
	if f.TradeID != "" {
		add("trade_id = $%d", f.TradeID)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + disputeSelect + ` FROM disputes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) OpenDispute(ctx context.Context, t *Trade, d *Dispute) error {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateTrade(ctx, tx, t); err != nil {
			return err
		}
		return insertDispute(ctx, tx, d)
	})
	if err != nil {
		return err
	}
	t.Version++
	d.Version = 1
	return nil
}

// Versions are bumped only after commit so a rolled-back write can be
// retried with the same objects.
func (p *PostgresStore) SaveTradeAndDispute(ctx context.Context, t *Trade, d *Dispute) error {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateTrade(ctx, tx, t); err != nil {
			return err
		}
		return updateDispute(ctx, tx, d)
	})
	if err != nil {
		return err
	}
	t.Version++
	d.Version++
	return nil
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var (
		status, token                                 string
		buyerAt, sellerAt, deadline, funded, resolved sql.NullTime
		disputeID, preDispute                         sql.NullString
		settlement                                    []byte
	)
	err := row.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.Asset, &t.AssetAmount, &t.FiatAmount, &t.FiatCurrency,
		&t.PaymentMethod, &status, &t.Confirmations.BuyerConfirmed, &t.Confirmations.SellerConfirmed,
		&buyerAt, &sellerAt, &deadline,
		&disputeID, &preDispute, &token, &settlement,
		&funded, &t.CreatedAt, &t.UpdatedAt, &resolved, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Status = TradeStatus(status)
	t.IdempotencyToken = token
	t.Confirmations.BuyerConfirmedAt = timePtr(buyerAt)
	t.Confirmations.SellerConfirmedAt = timePtr(sellerAt)
	t.AutoReleaseDeadline = timePtr(deadline)
	t.DisputeID = disputeID.String
	t.PreDisputeStatus = TradeStatus(preDispute.String)
	t.FundedAt = timePtr(funded)
	t.ResolvedAt = timePtr(resolved)
	if len(settlement) > 0 {
		t.Settlement = &Settlement{}
		if err := json.Unmarshal(settlement, t.Settlement); err != nil {
			return nil, fmt.Errorf("decode settlement for trade %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		category, priority, status                             string
		adminID                                                sql.NullString
		factors, evidence, messages, escalations, resolution   []byte
		activityAt, requestedAt, resolvedAt, closedAt          sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.TradeID, &d.ComplainantID, &d.RespondentID, &category, &d.Description,
		&priority, &d.RiskScore, &factors, &status, &adminID, &d.Tier,
		&evidence, &messages, &escalations, &resolution, &d.NextSeq,
		&d.Deadlines.Response, &d.Deadlines.Evidence, &d.Deadlines.Resolution,
		&activityAt, &requestedAt, &d.RespondentDefaulted,
		&d.Overdue, &d.Withdrawn, &d.CreatedAt, &d.UpdatedAt, &resolvedAt, &closedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	d.Category = Category(category)
	d.Priority = riskscore.Priority(priority)
	d.Status = DisputeStatus(status)
	d.AssignedAdminID = adminID.String
	d.RespondentActivityAt = timePtr(activityAt)
	d.ResponseRequestedAt = timePtr(requestedAt)
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{factors, &d.RiskFactors},
		{evidence, &d.Evidence},
		{messages, &d.Messages},
		{escalations, &d.Escalations},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode dispute %s: %w", d.ID, err)
		}
	}
	if len(resolution) > 0 {
		d.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, d.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution for dispute %s: %w", d.ID, err)
		}
	}
	if d.Evidence == nil {
		d.Evidence = []Evidence{}
	}
	if d.Messages == nil {
		d.Messages = []Message{}
	}
	if d.Escalations == nil {
		d.Escalations = []Escalation{}
	}
	return d, nil
}

func marshalSettlement(s *Settlement) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilFactors(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
