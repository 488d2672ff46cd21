package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-lms/internal/platform/database"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed progress Store. Apply is a single
// upsert, so concurrent updates to one record never lose time or completion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed progress store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recordColumns = `learner_id, content_item_id, is_completed, completed_at, time_spent_minutes, last_accessed_at`

func (s *PostgresStore) Apply(ctx context.Context, u Update) (Record, error) {
	if u.TimeSpentDelta < 0 {
		return Record{}, fmt.Errorf("delta %d: %w", u.TimeSpentDelta, ErrInvalidDelta)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO progress_records AS p (`+recordColumns+`)
		 VALUES ($1, $2, $3::boolean, CASE WHEN $3::boolean THEN $5::timestamptz END, $4, $5::timestamptz)
		 ON CONFLICT (learner_id, content_item_id) DO UPDATE SET
		   is_completed = p.is_completed OR EXCLUDED.is_completed,
		   completed_at = COALESCE(p.completed_at, EXCLUDED.completed_at),
		   time_spent_minutes = p.time_spent_minutes + EXCLUDED.time_spent_minutes,
		   last_accessed_at = GREATEST(p.last_accessed_at, EXCLUDED.last_accessed_at)
		 RETURNING `+recordColumns,
		u.LearnerID, u.ContentItemID, u.Completed, u.TimeSpentDelta, u.At,
	)
	rec, err := scanRecord(row)
	if database.IsForeignKeyViolation(err) {
		return Record{}, fmt.Errorf("content item %s: %w", u.ContentItemID, ErrContentNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("upsert progress: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, learnerID, contentItemID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM progress_records WHERE learner_id = $1 AND content_item_id = $2`,
		learnerID, contentItemID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("learner %s item %s: %w", learnerID, contentItemID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get progress: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ForItems(ctx context.Context, learnerID string, itemIDs []string) ([]Record, error) {
	if len(itemIDs) == 0 {
		return []Record{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM progress_records
		 WHERE learner_id = $1 AND content_item_id = ANY($2::text[])
		 ORDER BY content_item_id`,
		learnerID, itemIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.LearnerID, &r.ContentItemID, &r.IsCompleted, &r.CompletedAt, &r.TimeSpentMinutes, &r.LastAccessedAt)
	return r, err
}
