package outbox

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore keeps the outbox in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, key, payload, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Topic, e.Key, []byte(e.Payload), e.Attempts, e.NextAttemptAt, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Due(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 1 << 30
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, id, topic, key, payload, attempts, next_attempt_at, delivered_at, last_error, created_at
		FROM outbox_events
		WHERE delivered_at IS NULL AND next_attempt_at <= $1 AND attempts < $2
		ORDER BY seq
		LIMIT $3`, now, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var payload []byte
		var delivered sql.NullTime
		if err := rows.Scan(&e.Seq, &e.ID, &e.Topic, &e.Key, &payload, &e.Attempts,
			&e.NextAttemptAt, &delivered, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		if delivered.Valid {
			t := delivered.Time
			e.DeliveredAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET delivered_at = $2, last_error = '' WHERE id = $1`, id, at)
	return affected(res, err)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, next, lastErr)
	return affected(res, err)
}

func (p *PostgresStore) PruneDelivered(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE delivered_at IS NOT NULL AND delivered_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE delivered_at IS NULL`).Scan(&n)
	return n, err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}
