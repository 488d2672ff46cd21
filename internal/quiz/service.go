package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ServiceConfig holds dependencies for the grading service.
type ServiceConfig struct {
	Store              Store
	DefaultMaxAttempts int // used when a quiz declares MaxAttempts == 0; 0 keeps it unlimited
	Now                func() time.Time
}

// Service grades submissions and records them as attempts.
type Service struct {
	store              Store
	defaultMaxAttempts int
	now                func() time.Time
}

// NewService creates a grading service.
func NewService(cfg ServiceConfig) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:              store,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		now:                now,
	}
}

// Submission is the outcome of Submit.
type Submission struct {
	Quiz    Quiz
	Attempt Attempt
	Result  Result
}

// MaxAttempts returns the effective attempt limit for q.
func (s *Service) MaxAttempts(q Quiz) int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return s.defaultMaxAttempts
}

// Submit grades answers for quizID and appends the attempt to the learner's
// history. It rejects invalid quizzes before checking the attempt limit, and
// checks the limit before grading; the store enforces the limit again at
// insert time so concurrent submissions cannot exceed it.
func (s *Service) Submit(ctx context.Context, learnerID, quizID string, answers map[string]any) (Submission, error) {
	q, err := s.store.Quiz(ctx, quizID)
	if err != nil {
		return Submission{}, err
	}
	if err := q.Validate(); err != nil {
		return Submission{}, err
	}

	limit := s.MaxAttempts(q)
	if limit > 0 {
		used, err := s.store.CountAttempts(ctx, learnerID, quizID)
		if err != nil {
			return Submission{}, fmt.Errorf("count attempts: %w", err)
		}
		if used >= limit {
			return Submission{}, fmt.Errorf("%d of %d attempts used: %w", used, limit, ErrAttemptsExhausted)
		}
	}

	res, err := Grade(q, answers)
	if err != nil {
		return Submission{}, err
	}

	attempt, err := s.store.AppendAttempt(ctx, Attempt{
		ID:           uuid.NewString(),
		LearnerID:    learnerID,
		QuizID:       quizID,
		Answers:      answers,
		Score:        res.Score,
		EarnedPoints: res.EarnedPoints,
		TotalPoints:  res.TotalPoints,
		Passed:       res.Passed,
		SubmittedAt:  s.now().UTC(),
	}, limit)
	if err != nil {
		return Submission{}, err
	}

	slog.Info("quiz attempt graded",
		"learner_id", learnerID,
		"quiz_id", quizID,
		"attempt", attempt.Number,
		"score", attempt.Score,
		"passed", attempt.Passed,
	)
	return Submission{Quiz: q, Attempt: attempt, Result: res}, nil
}

// Attempts returns the learner's attempt history for a quiz.
func (s *Service) Attempts(ctx context.Context, learnerID, quizID string) ([]Attempt, error) {
	return s.store.Attempts(ctx, learnerID, quizID)
}
