package catalog

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

// PostgresStore is a PostgreSQL-backed catalog Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed catalog store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Course(ctx context.Context, id string) (Course, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var c Course
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, completion_points FROM courses WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Title, &c.CompletionPoints)
	if errors.Is(err, pgx.ErrNoRows) {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Course{}, fmt.Errorf("get course: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ContentItem(ctx context.Context, id string) (ContentItem, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var item ContentItem
	err := s.pool.QueryRow(ctx,
		`SELECT id, course_id, title, kind, is_required, position
		 FROM content_items
		 WHERE id = $1`,
		id,
	).Scan(&item.ID, &item.CourseID, &item.Title, &item.Kind, &item.IsRequired, &item.Position)
	if errors.Is(err, pgx.ErrNoRows) {
		return ContentItem{}, fmt.Errorf("content item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ContentItem{}, fmt.Errorf("get content item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) Items(ctx context.Context, courseID string) ([]ContentItem, error) {
	return s.queryItems(ctx,
		`SELECT id, course_id, title, kind, is_required, position
		 FROM content_items
		 WHERE course_id = $1
		 ORDER BY position, id`,
		courseID,
	)
}

func (s *PostgresStore) RequiredItems(ctx context.Context, courseID string) ([]ContentItem, error) {
	return s.queryItems(ctx,
		`SELECT id, course_id, title, kind, is_required, position
		 FROM content_items
		 WHERE course_id = $1 AND is_required
		 ORDER BY position, id`,
		courseID,
	)
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]ContentItem, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query content items: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ContentItem, error) {
		var item ContentItem
		err := row.Scan(&item.ID, &item.CourseID, &item.Title, &item.Kind, &item.IsRequired, &item.Position)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan content items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Learner(ctx context.Context, id string) (Learner, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var l Learner
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM learners WHERE id = $1`, id).Scan(&l.ID, &l.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Learner{}, fmt.Errorf("learner %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Learner{}, fmt.Errorf("get learner: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) PutCourse(ctx context.Context, c Course) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO courses (id, title, completion_points)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   completion_points = EXCLUDED.completion_points`,
		c.ID, c.Title, c.CompletionPoints,
	)
	if err != nil {
		return fmt.Errorf("put course: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutContentItem(ctx context.Context, item ContentItem) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO content_items (id, course_id, title, kind, is_required, position)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   course_id = EXCLUDED.course_id,
		   title = EXCLUDED.title,
		   kind = EXCLUDED.kind,
		   is_required = EXCLUDED.is_required,
		   position = EXCLUDED.position`,
		item.ID, item.CourseID, item.Title, string(item.Kind), item.IsRequired, item.Position,
	)
	if database.IsForeignKeyViolation(err) {
		return fmt.Errorf("course %s: %w", item.CourseID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("put content item: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutLearner(ctx context.Context, l Learner) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO learners (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		l.ID, l.Name,
	)
	if err != nil {
		return fmt.Errorf("put learner: %w", err)
	}
	return nil
}
