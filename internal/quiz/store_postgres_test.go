package quiz_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/platform/database/dbtest"
	"github.com/p-n-ai/pai-lms/internal/quiz"
)

func TestPostgresStore_AttemptLifecycle(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := t.Context()

	cat := catalog.NewPostgresStore(pool)
	if err := cat.PutCourse(ctx, catalog.Course{ID: "geo", Title: "Geography", CompletionPoints: 50}); err != nil {
		t.Fatalf("PutCourse() error = %v", err)
	}
	if err := cat.PutContentItem(ctx, catalog.ContentItem{ID: "geo-quiz", CourseID: "geo", Kind: catalog.KindQuiz, IsRequired: true}); err != nil {
		t.Fatalf("PutContentItem() error = %v", err)
	}

	store := quiz.NewPostgresStore(pool)
	q := quiz.Quiz{
		ID:            "capitals",
		ContentItemID: "geo-quiz",
		Title:         "Capitals",
		PassingScore:  70,
		MaxAttempts:   2,
		Questions: []quiz.Question{
			{ID: "Q2", Type: quiz.ShortAnswer, CorrectAnswer: "Paris", Points: 1, Position: 2},
			{ID: "Q1", Type: quiz.MultipleChoice, CorrectAnswer: "B", Points: 1, Position: 1},
		},
	}
	if err := store.PutQuiz(ctx, q); err != nil {
		t.Fatalf("PutQuiz() error = %v", err)
	}

	got, err := store.QuizByContentItem(ctx, "geo-quiz")
	if err != nil {
		t.Fatalf("QuizByContentItem() error = %v", err)
	}
	if len(got.Questions) != 2 || got.Questions[0].ID != "Q1" {
		t.Errorf("questions = %+v, want Q1 first", got.Questions)
	}

	svc := quiz.NewService(quiz.ServiceConfig{Store: store})
	sub, err := svc.Submit(ctx, "learner-1", "capitals", map[string]any{"Q1": "B", "Q2": " paris "})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.Attempt.Score != 100 || !sub.Attempt.Passed {
		t.Errorf("attempt = %+v, want passed with 100", sub.Attempt)
	}

	history, err := store.Attempts(ctx, "learner-1", "capitals")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(history) != 1 || history[0].Answers["Q2"] != " paris " {
		t.Errorf("history = %+v, want stored answers round-tripped", history)
	}
}

func TestPostgresStore_ConcurrentAppendRespectsLimit(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := t.Context()

	cat := catalog.NewPostgresStore(pool)
	_ = cat.PutCourse(ctx, catalog.Course{ID: "c", Title: "C"})
	_ = cat.PutContentItem(ctx, catalog.ContentItem{ID: "c-quiz", CourseID: "c", Kind: catalog.KindQuiz, IsRequired: true})

	store := quiz.NewPostgresStore(pool)
	if err := store.PutQuiz(ctx, quiz.Quiz{
		ID: "q", ContentItemID: "c-quiz", PassingScore: 50, MaxAttempts: 3,
		Questions: []quiz.Question{{ID: "a", Type: quiz.TrueFalse, CorrectAnswer: "true", Points: 1}},
	}); err != nil {
		t.Fatalf("PutQuiz() error = %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, exhausted int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendAttempt(ctx, quiz.Attempt{
				ID: uuid.NewString(), LearnerID: "l", QuizID: "q", SubmittedAt: time.Now().UTC(),
			}, 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, quiz.ErrAttemptsExhausted):
				exhausted++
			}
		}()
	}
	wg.Wait()

	if accepted == 0 || accepted > 3 {
		t.Errorf("accepted = %d, want 1..3", accepted)
	}
	t.Logf("accepted=%d exhausted=%d", accepted, exhausted)
	n, err := store.CountAttempts(ctx, "l", "q")
	if err != nil {
		t.Fatalf("CountAttempts() error = %v", err)
	}
	if n != accepted {
		t.Errorf("CountAttempts() = %d, want %d", n, accepted)
	}
}
