package quiz_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-lms/internal/quiz"
)

func newService(t *testing.T, q quiz.Quiz, defaultMax int) (*quiz.Service, *quiz.MemoryStore) {
	t.Helper()
	store := quiz.NewMemoryStore()
	if err := store.PutQuiz(context.Background(), q); err != nil {
		t.Fatalf("PutQuiz() error = %v", err)
	}
	svc := quiz.NewService(quiz.ServiceConfig{
		Store:              store,
		DefaultMaxAttempts: defaultMax,
		Now:                func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	return svc, store
}

func sampleQuiz(maxAttempts int) quiz.Quiz {
	return quiz.Quiz{
		ID:            "quiz-1",
		ContentItemID: "item-quiz",
		PassingScore:  100,
		MaxAttempts:   maxAttempts,
		Questions: []quiz.Question{
			{ID: "Q1", Type: quiz.MultipleChoice, CorrectAnswer: "B", Points: 1},
		},
	}
}

func TestService_Submit_RecordsAttempts(t *testing.T) {
	svc, _ := newService(t, sampleQuiz(0), 0)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "learner-1", "quiz-1", map[string]any{"Q1": "A"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if first.Attempt.Number != 1 || first.Attempt.Passed {
		t.Errorf("first attempt = %+v, want number 1 failed", first.Attempt)
	}

	second, err := svc.Submit(ctx, "learner-1", "quiz-1", map[string]any{"Q1": "B"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if second.Attempt.Number != 2 || !second.Attempt.Passed || second.Attempt.Score != 100 {
		t.Errorf("second attempt = %+v, want number 2 passed with 100", second.Attempt)
	}

	history, err := svc.Attempts(ctx, "learner-1", "quiz-1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(history) != 2 || history[0].Number != 1 || history[1].Number != 2 {
		t.Errorf("history = %+v, want attempts 1 and 2 in order", history)
	}
	if !history[1].SubmittedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("SubmittedAt = %v, want injected clock", history[1].SubmittedAt)
	}
}

func TestService_Submit_AttemptsExhausted(t *testing.T) {
	svc, store := newService(t, sampleQuiz(2), 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Submit(ctx, "learner-1", "quiz-1", map[string]any{"Q1": "A"}); err != nil {
			t.Fatalf("Submit() #%d error = %v", i+1, err)
		}
	}

	_, err := svc.Submit(ctx, "learner-1", "quiz-1", map[string]any{"Q1": "B"})
	if !errors.Is(err, quiz.ErrAttemptsExhausted) {
		t.Fatalf("Submit() error = %v, want ErrAttemptsExhausted", err)
	}

	n, _ := store.CountAttempts(ctx, "learner-1", "quiz-1")
	if n != 2 {
		t.Errorf("attempt count = %d, want 2 (rejected attempt must not be stored)", n)
	}

	// Another learner is unaffected.
	if _, err := svc.Submit(ctx, "learner-2", "quiz-1", map[string]any{"Q1": "B"}); err != nil {
		t.Errorf("Submit() for other learner error = %v", err)
	}
}

func TestService_Submit_DefaultMaxAttempts(t *testing.T) {
	svc, _ := newService(t, sampleQuiz(0), 1)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, "learner-1", "quiz-1", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := svc.Submit(ctx, "learner-1", "quiz-1", nil); !errors.Is(err, quiz.ErrAttemptsExhausted) {
		t.Errorf("Submit() error = %v, want ErrAttemptsExhausted from default limit", err)
	}
}

func TestService_Submit_ConcurrentRespectsLimit(t *testing.T) {
	const limit = 3
	svc, store := newService(t, sampleQuiz(limit), 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Submit(ctx, "learner-1", "quiz-1", map[string]any{"Q1": "A"}); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != limit {
		t.Errorf("accepted = %d, want %d", accepted, limit)
	}
	history, _ := store.Attempts(ctx, "learner-1", "quiz-1")
	for i, a := range history {
		if a.Number != i+1 {
			t.Errorf("history[%d].Number = %d, want %d", i, a.Number, i+1)
		}
	}
}

func TestService_Submit_InvalidQuiz(t *testing.T) {
	svc, _ := newService(t, quiz.Quiz{ID: "quiz-1", ContentItemID: "x", PassingScore: 50}, 0)

	_, err := svc.Submit(context.Background(), "learner-1", "quiz-1", nil)
	if !errors.Is(err, quiz.ErrInvalidQuiz) {
		t.Errorf("Submit() error = %v, want ErrInvalidQuiz", err)
	}
}

func TestService_Submit_UnknownQuiz(t *testing.T) {
	svc, _ := newService(t, sampleQuiz(0), 0)

	_, err := svc.Submit(context.Background(), "learner-1", "nope", nil)
	if !errors.Is(err, quiz.ErrNotFound) {
		t.Errorf("Submit() error = %v, want ErrNotFound", err)
	}
}

func TestBestScore(t *testing.T) {
	if _, ok := quiz.BestScore(nil); ok {
		t.Error("BestScore(nil) ok = true, want false")
	}
	best, ok := quiz.BestScore([]quiz.Attempt{{Score: 40}, {Score: 90}, {Score: 60}})
	if !ok || best != 90 {
		t.Errorf("BestScore() = %d, %v, want 90, true", best, ok)
	}
}
