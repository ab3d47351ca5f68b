package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists tasks in the scheduled_tasks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `entity_id, kind, due_at, attempts, last_error, state, version, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, task *Task) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_tasks (
			entity_id, kind, due_at, attempts, last_error, state, version, created_at, updated_at
		) VALUES ($1, $2, $3, 0, '', 'pending', 1, $4, $5)
		ON CONFLICT (entity_id, kind) DO UPDATE SET
			due_at = EXCLUDED.due_at,
			attempts = 0,
			last_error = '',
			state = 'pending',
			version = scheduled_tasks.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version`,
		task.EntityID, string(task.Kind), task.DueAt, task.CreatedAt, task.UpdatedAt,
	).Scan(&task.Version)
}

func (p *PostgresStore) Get(ctx context.Context, entityID string, kind Kind) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE entity_id = $1 AND kind = $2`, entityID, string(kind))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (p *PostgresStore) Delete(ctx context.Context, entityID string, kind Kind) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE entity_id = $1 AND kind = $2`,
		entityID, string(kind))
	return err
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE state = 'pending' AND due_at <= $1
		ORDER BY due_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE state = 'stuck'
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (p *PostgresStore) Complete(ctx context.Context, task *Task) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scheduled_tasks
		WHERE entity_id = $1 AND kind = $2 AND version = $3`,
		task.EntityID, string(task.Kind), task.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) Reschedule(ctx context.Context, task *Task) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			due_at = $1, attempts = $2, last_error = $3, state = $4, updated_at = $5
		WHERE entity_id = $6 AND kind = $7 AND version = $8`,
		task.DueAt, task.Attempts, task.LastError, string(task.State), task.UpdatedAt,
		task.EntityID, string(task.Kind), task.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*Task, error) {
	t := &Task{}
	var kind, state string
	if err := row.Scan(&t.EntityID, &kind, &t.DueAt, &t.Attempts, &t.LastError,
		&state, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.State = TaskState(state)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
