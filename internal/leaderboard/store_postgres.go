package leaderboard

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

// PostgresStore is a PostgreSQL-backed leaderboard Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed leaderboard store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const entryColumns = `learner_id, total_points, courses_completed, badges_earned, rank, updated_at`

// Apply inserts the ledger row and, only if that insert happened, adds the
// credit to the entry. Both happen in one statement.
func (s *PostgresStore) Apply(ctx context.Context, c Credit, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`WITH ledger AS (
		   INSERT INTO point_ledger (source_key, learner_id, points, courses, badges, created_at)
		   VALUES ($1, $2, $3, $4, $5, $6)
		   ON CONFLICT (source_key) DO NOTHING
		   RETURNING learner_id, points, courses, badges
		 )
		 INSERT INTO leaderboard_entries AS e (learner_id, total_points, courses_completed, badges_earned, rank, updated_at)
		 SELECT learner_id, points, courses, badges, 0, $6 FROM ledger
		 ON CONFLICT (learner_id) DO UPDATE SET
		   total_points = e.total_points + EXCLUDED.total_points,
		   courses_completed = e.courses_completed + EXCLUDED.courses_completed,
		   badges_earned = e.badges_earned + EXCLUDED.badges_earned,
		   updated_at = EXCLUDED.updated_at`,
		c.SourceKey, c.LearnerID, c.Points, c.Courses, c.Badges, at,
	)
	if err != nil {
		return false, fmt.Errorf("apply credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Recompute locks the entry table against concurrent credits and other
// recomputations, ranks a snapshot in memory and writes changed ranks in one
// batch statement.
func (s *PostgresStore) Recompute(ctx context.Context, rank func([]Entry) []Entry, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	err := database.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE leaderboard_entries IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock leaderboard: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT `+entryColumns+` FROM leaderboard_entries`)
		if err != nil {
			return fmt.Errorf("query entries: %w", err)
		}
		snapshot, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
			return scanEntry(row)
		})
		if err != nil {
			return fmt.Errorf("scan entries: %w", err)
		}
		n = len(snapshot)

		ranked := rank(snapshot)
		ids := make([]string, len(ranked))
		ranks := make([]int32, len(ranked))
		for i, e := range ranked {
			ids[i] = e.LearnerID
			ranks[i] = int32(e.Rank)
		}

		_, err = tx.Exec(ctx,
			`UPDATE leaderboard_entries AS e
			 SET rank = v.rank, updated_at = $3
			 FROM unnest($1::text[], $2::int[]) AS v(learner_id, rank)
			 WHERE e.learner_id = v.learner_id AND e.rank <> v.rank`,
			ids, ranks, at,
		)
		if err != nil {
			return fmt.Errorf("write ranks: %w", err)
		}
		return nil
	})
	return n, err
}

func (s *PostgresStore) Top(ctx context.Context, n int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	query := `SELECT ` + entryColumns + ` FROM leaderboard_entries ORDER BY rank = 0, rank, learner_id`
	args := []any{}
	if n > 0 {
		query += ` LIMIT $1`
		args = append(args, n)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query top entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan top entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Get(ctx context.Context, learnerID string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM leaderboard_entries WHERE learner_id = $1`,
		learnerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("learner %s: %w", learnerID, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.LearnerID, &e.TotalPoints, &e.CoursesCompleted, &e.BadgesEarned, &e.Rank, &e.UpdatedAt)
	return e, err
}
