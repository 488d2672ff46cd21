// Package quiz grades quiz submissions and keeps the append-only attempt history.
package quiz

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidQuiz is returned for quizzes that cannot be graded (no questions,
	// non-positive points, out-of-range passing score).
	ErrInvalidQuiz = errors.New("quiz: invalid quiz")
	// ErrUnknownQuestionType is returned for a question type outside the supported set.
	ErrUnknownQuestionType = errors.New("quiz: unknown question type")
	// ErrAttemptsExhausted is returned when a learner has used every allowed attempt.
	ErrAttemptsExhausted = errors.New("quiz: attempts exhausted")
	// ErrNotFound is returned when a quiz does not exist.
	ErrNotFound = errors.New("quiz: not found")
)

// QuestionType selects the equality rule used when grading a question.
type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	ShortAnswer    QuestionType = "short_answer"
	Essay          QuestionType = "essay" // never auto-graded
)

// Valid reports whether t is a supported question type.
func (t QuestionType) Valid() bool {
	switch t {
	case MultipleChoice, TrueFalse, ShortAnswer, Essay:
		return true
	}
	return false
}

// Question is a single gradable item of a quiz.
type Question struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"question_type"`
	CorrectAnswer string       `json:"correct_answer"`
	Points        int          `json:"points"`
	Position      int          `json:"position"`
}

// Quiz is an ordered set of questions backing one content item.
type Quiz struct {
	ID            string     `json:"id"`
	ContentItemID string     `json:"content_item_id"`
	Title         string     `json:"title"`
	PassingScore  int        `json:"passing_score"`
	MaxAttempts   int        `json:"max_attempts"` // 0 means unlimited
	Questions     []Question `json:"questions"`
}

// TotalPoints sums the points of every question, essays included.
func (q Quiz) TotalPoints() int {
	total := 0
	for _, qu := range q.Questions {
		total += qu.Points
	}
	return total
}

// Validate checks that the quiz can be graded.
func (q Quiz) Validate() error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("quiz %s has no questions: %w", q.ID, ErrInvalidQuiz)
	}
	if q.PassingScore < 0 || q.PassingScore > 100 {
		return fmt.Errorf("quiz %s passing score %d outside 0..100: %w", q.ID, q.PassingScore, ErrInvalidQuiz)
	}
	if q.MaxAttempts < 0 {
		return fmt.Errorf("quiz %s max attempts %d is negative: %w", q.ID, q.MaxAttempts, ErrInvalidQuiz)
	}
	seen := make(map[string]bool, len(q.Questions))
	for _, qu := range q.Questions {
		if !qu.Type.Valid() {
			return fmt.Errorf("question %s type %q: %w", qu.ID, qu.Type, ErrUnknownQuestionType)
		}
		if qu.Points <= 0 {
			return fmt.Errorf("question %s points %d must be positive: %w", qu.ID, qu.Points, ErrInvalidQuiz)
		}
		if seen[qu.ID] {
			return fmt.Errorf("question %s is duplicated: %w", qu.ID, ErrInvalidQuiz)
		}
		seen[qu.ID] = true
	}
	return nil
}

// Attempt is one graded submission. Attempts are never mutated after insert.
type Attempt struct {
	ID           string         `json:"id"`
	LearnerID    string         `json:"learner_id"`
	QuizID       string         `json:"quiz_id"`
	Number       int            `json:"attempt_number"`
	Answers      map[string]any `json:"answers"`
	Score        int            `json:"score"`
	EarnedPoints int            `json:"earned_points"`
	TotalPoints  int            `json:"total_points"`
	Passed       bool           `json:"is_passed"`
	SubmittedAt  time.Time      `json:"submitted_at"`
}
