package course

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

// PostgresStore is a PostgreSQL-backed enrollment Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed enrollment store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const enrollmentColumns = `learner_id, course_id, progress_percentage, enrolled_at, completed_at`

func (s *PostgresStore) Ensure(ctx context.Context, learnerID, courseID string, at time.Time) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrollments (learner_id, course_id, progress_percentage, enrolled_at)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (learner_id, course_id) DO NOTHING`,
		learnerID, courseID, at,
	)
	if database.IsForeignKeyViolation(err) {
		return Enrollment{}, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	if err != nil {
		return Enrollment{}, fmt.Errorf("insert enrollment: %w", err)
	}
	return s.get(ctx, learnerID, courseID)
}

func (s *PostgresStore) Get(ctx context.Context, learnerID, courseID string) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.get(ctx, learnerID, courseID)
}

func (s *PostgresStore) get(ctx context.Context, learnerID, courseID string) (Enrollment, error) {
	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE learner_id = $1 AND course_id = $2`,
		learnerID, courseID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, fmt.Errorf("enrollment %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	if err != nil {
		return Enrollment{}, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) SetPercentage(ctx context.Context, learnerID, courseID string, pct int) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`UPDATE enrollments
		 SET progress_percentage = CASE WHEN completed_at IS NULL THEN $3 ELSE 100 END
		 WHERE learner_id = $1 AND course_id = $2
		 RETURNING `+enrollmentColumns,
		learnerID, courseID, pct,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, fmt.Errorf("enrollment %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	if err != nil {
		return Enrollment{}, fmt.Errorf("set percentage: %w", err)
	}
	return e, nil
}

// MarkCompleted is a single conditional UPDATE; the row lock it takes
// serialises concurrent callers and only the first sees a NULL completed_at.
func (s *PostgresStore) MarkCompleted(ctx context.Context, learnerID, courseID string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollments
		 SET completed_at = $3, progress_percentage = 100
		 WHERE learner_id = $1 AND course_id = $2 AND completed_at IS NULL`,
		learnerID, courseID, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListCompleted(ctx context.Context, since time.Time) ([]Enrollment, error) {
	return s.list(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE completed_at >= $1
		 ORDER BY completed_at`,
		since,
	)
}

func (s *PostgresStore) ListForLearner(ctx context.Context, learnerID string) ([]Enrollment, error) {
	return s.list(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE learner_id = $1
		 ORDER BY course_id`,
		learnerID,
	)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Enrollment, error) {
		return scanEnrollment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan enrollments: %w", err)
	}
	return out, nil
}

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var e Enrollment
	err := row.Scan(&e.LearnerID, &e.CourseID, &e.ProgressPercentage, &e.EnrolledAt, &e.CompletedAt)
	return e, err
}
