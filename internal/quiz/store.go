package quiz

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists quiz definitions and attempt history.
type Store interface {
	Quiz(ctx context.Context, id string) (Quiz, error)
	QuizByContentItem(ctx context.Context, contentItemID string) (Quiz, error)
	PutQuiz(ctx context.Context, q Quiz) error

	// AppendAttempt assigns the next attempt number and inserts the attempt.
	// It fails with ErrAttemptsExhausted when maxAttempts > 0 and the learner
	// already has maxAttempts attempts for the quiz.
	AppendAttempt(ctx context.Context, a Attempt, maxAttempts int) (Attempt, error)
	CountAttempts(ctx context.Context, learnerID, quizID string) (int, error)
	// Attempts returns a learner's attempts ordered by attempt number.
	Attempts(ctx context.Context, learnerID, quizID string) ([]Attempt, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	quizzes  map[string]Quiz
	byItem   map[string]string
	attempts map[string][]Attempt // learnerID|quizID -> attempts
}

// NewMemoryStore creates a new in-memory quiz store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quizzes:  make(map[string]Quiz),
		byItem:   make(map[string]string),
		attempts: make(map[string][]Attempt),
	}
}

func (s *MemoryStore) Quiz(_ context.Context, id string) (Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quizzes[id]
	if !ok {
		return Quiz{}, fmt.Errorf("quiz %s: %w", id, ErrNotFound)
	}
	return q, nil
}

func (s *MemoryStore) QuizByContentItem(ctx context.Context, contentItemID string) (Quiz, error) {
	s.mu.RLock()
	id, ok := s.byItem[contentItemID]
	s.mu.RUnlock()
	if !ok {
		return Quiz{}, fmt.Errorf("quiz for content item %s: %w", contentItemID, ErrNotFound)
	}
	return s.Quiz(ctx, id)
}

func (s *MemoryStore) PutQuiz(_ context.Context, q Quiz) error {
	if q.ID == "" {
		return fmt.Errorf("quiz id is required")
	}
	questions := append([]Question(nil), q.Questions...)
	sortQuestions(questions)
	q.Questions = questions

	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizzes[q.ID] = q
	s.byItem[q.ContentItemID] = q.ID
	return nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a Attempt, maxAttempts int) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey(a.LearnerID, a.QuizID)
	prior := len(s.attempts[key])
	if maxAttempts > 0 && prior >= maxAttempts {
		return Attempt{}, fmt.Errorf("%d of %d attempts used: %w", prior, maxAttempts, ErrAttemptsExhausted)
	}
	a.Number = prior + 1
	a.Answers = copyAnswers(a.Answers)
	s.attempts[key] = append(s.attempts[key], a)
	return a, nil
}

func (s *MemoryStore) CountAttempts(_ context.Context, learnerID, quizID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts[attemptKey(learnerID, quizID)]), nil
}

func (s *MemoryStore) Attempts(_ context.Context, learnerID, quizID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.attempts[attemptKey(learnerID, quizID)]
	out := make([]Attempt, len(stored))
	for i, a := range stored {
		a.Answers = copyAnswers(a.Answers)
		out[i] = a
	}
	return out, nil
}

func attemptKey(learnerID, quizID string) string {
	return learnerID + "|" + quizID
}

func copyAnswers(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortQuestions(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Position < qs[j].Position })
}

// BestScore returns the highest score among attempts, and false if there are none.
func BestScore(attempts []Attempt) (int, bool) {
	if len(attempts) == 0 {
		return 0, false
	}
	best := attempts[0].Score
	for _, a := range attempts[1:] {
		if a.Score > best {
			best = a.Score
		}
	}
	return best, true
}
