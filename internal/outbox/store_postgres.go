package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed outbox. Claims use FOR UPDATE SKIP
// LOCKED so several server instances can drain the queue together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed outbox store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const taskColumns = `id::text, kind, payload, attempts, next_attempt_at, last_error, created_at, done_at, dead`

func (s *PostgresStore) Enqueue(ctx context.Context, t Task) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	payload := t.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outbox_tasks (id, kind, payload, attempts, next_attempt_at, created_at)
		 VALUES ($1::uuid, $2, $3::jsonb, $4, $5, $6)`,
		t.ID, t.Kind, string(payload), t.Attempts, t.NextAttemptAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Kind, err)
	}
	return nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`UPDATE outbox_tasks
		 SET attempts = attempts + 1, locked_until = $2
		 WHERE id IN (
		   SELECT id FROM outbox_tasks
		   WHERE done_at IS NULL AND NOT dead
		     AND next_attempt_at <= $1
		     AND (locked_until IS NULL OR locked_until <= $1)
		   ORDER BY next_attempt_at
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		return scanTask(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan claimed tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id,
		`UPDATE outbox_tasks SET done_at = $2, locked_until = NULL, last_error = '' WHERE id = $1::uuid`,
		at,
	)
}

func (s *PostgresStore) Fail(ctx context.Context, id, lastError string, next time.Time, dead bool) error {
	return s.update(ctx, id,
		`UPDATE outbox_tasks
		 SET last_error = $2, next_attempt_at = $3, dead = $4, locked_until = NULL
		 WHERE id = $1::uuid`,
		lastError, next, dead,
	)
}

func (s *PostgresStore) update(ctx context.Context, id, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Task, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM outbox_tasks WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var payload []byte
	err := row.Scan(&t.ID, &t.Kind, &payload, &t.Attempts, &t.NextAttemptAt, &t.LastError, &t.CreatedAt, &t.DoneAt, &t.Dead)
	t.Payload = payload
	return t, err
}
