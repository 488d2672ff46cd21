package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-lms/internal/platform/database"
)

const (
	dbTimeout = 5 * time.Second
	// appendRetries bounds retries when concurrent submissions race for the
	// same attempt number.
	appendRetries = 3
)

// PostgresStore is a PostgreSQL-backed quiz Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed quiz store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Quiz(ctx context.Context, id string) (Quiz, error) {
	return s.loadQuiz(ctx,
		`SELECT id, content_item_id, title, passing_score, max_attempts FROM quizzes WHERE id = $1`,
		id,
	)
}

func (s *PostgresStore) QuizByContentItem(ctx context.Context, contentItemID string) (Quiz, error) {
	return s.loadQuiz(ctx,
		`SELECT id, content_item_id, title, passing_score, max_attempts FROM quizzes WHERE content_item_id = $1`,
		contentItemID,
	)
}

func (s *PostgresStore) loadQuiz(ctx context.Context, query string, arg string) (Quiz, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var q Quiz
	err := s.pool.QueryRow(ctx, query, arg).Scan(&q.ID, &q.ContentItemID, &q.Title, &q.PassingScore, &q.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quiz{}, fmt.Errorf("quiz %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return Quiz{}, fmt.Errorf("get quiz: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, question_type, correct_answer, points, position
		 FROM quiz_questions
		 WHERE quiz_id = $1
		 ORDER BY position, id`,
		q.ID,
	)
	if err != nil {
		return Quiz{}, fmt.Errorf("query questions: %w", err)
	}
	q.Questions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Question, error) {
		var qu Question
		err := row.Scan(&qu.ID, &qu.Type, &qu.CorrectAnswer, &qu.Points, &qu.Position)
		return qu, err
	})
	if err != nil {
		return Quiz{}, fmt.Errorf("scan questions: %w", err)
	}
	return q, nil
}

// PutQuiz upserts the quiz and replaces its question set.
func (s *PostgresStore) PutQuiz(ctx context.Context, q Quiz) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return database.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO quizzes (id, content_item_id, title, passing_score, max_attempts)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
			   content_item_id = EXCLUDED.content_item_id,
			   title = EXCLUDED.title,
			   passing_score = EXCLUDED.passing_score,
			   max_attempts = EXCLUDED.max_attempts`,
			q.ID, q.ContentItemID, q.Title, q.PassingScore, q.MaxAttempts,
		)
		if err != nil {
			return fmt.Errorf("upsert quiz: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quiz_questions WHERE quiz_id = $1`, q.ID); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}

		batch := &pgx.Batch{}
		for _, qu := range q.Questions {
			batch.Queue(
				`INSERT INTO quiz_questions (quiz_id, id, position, question_type, correct_answer, points)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				q.ID, qu.ID, qu.Position, string(qu.Type), qu.CorrectAnswer, qu.Points,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a Attempt, maxAttempts int) (Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	answers, err := json.Marshal(answersOrEmpty(a.Answers))
	if err != nil {
		return Attempt{}, fmt.Errorf("marshal answers: %w", err)
	}

	for try := 0; try < appendRetries; try++ {
		var number int
		err = s.pool.QueryRow(ctx,
			`INSERT INTO quiz_attempts
			   (id, learner_id, quiz_id, attempt_number, answers, score, earned_points, total_points, is_passed, submitted_at)
			 SELECT $1::uuid, $2::text, $3::text, n.next, $4::jsonb, $5::int, $6::int, $7::int, $8::boolean, $9::timestamptz
			 FROM (
			   SELECT COALESCE(MAX(attempt_number), 0) + 1 AS next
			   FROM quiz_attempts
			   WHERE learner_id = $2 AND quiz_id = $3
			 ) n
			 WHERE $10::int = 0 OR n.next <= $10::int
			 RETURNING attempt_number`,
			a.ID, a.LearnerID, a.QuizID, string(answers), a.Score, a.EarnedPoints, a.TotalPoints, a.Passed,
			a.SubmittedAt, maxAttempts,
		).Scan(&number)
		switch {
		case err == nil:
			a.Number = number
			return a, nil
		case errors.Is(err, pgx.ErrNoRows):
			return Attempt{}, fmt.Errorf("%d attempts allowed: %w", maxAttempts, ErrAttemptsExhausted)
		case database.IsUniqueViolation(err):
			// Another submission took this number; recount and try again.
			continue
		default:
			return Attempt{}, fmt.Errorf("insert attempt: %w", err)
		}
	}
	return Attempt{}, fmt.Errorf("insert attempt after %d retries: %w", appendRetries, err)
}

func (s *PostgresStore) CountAttempts(ctx context.Context, learnerID, quizID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM quiz_attempts WHERE learner_id = $1 AND quiz_id = $2`,
		learnerID, quizID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, learnerID, quizID string) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, learner_id, quiz_id, attempt_number, answers, score, earned_points,
		        total_points, is_passed, submitted_at
		 FROM quiz_attempts
		 WHERE learner_id = $1 AND quiz_id = $2
		 ORDER BY attempt_number`,
		learnerID, quizID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attempt, error) {
		var a Attempt
		var raw []byte
		if err := row.Scan(&a.ID, &a.LearnerID, &a.QuizID, &a.Number, &raw, &a.Score,
			&a.EarnedPoints, &a.TotalPoints, &a.Passed, &a.SubmittedAt); err != nil {
			return Attempt{}, err
		}
		a.Answers = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Answers); err != nil {
				return Attempt{}, fmt.Errorf("decode answers: %w", err)
			}
		}
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan attempts: %w", err)
	}
	return attempts, nil
}

func answersOrEmpty(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
