package engine_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/certificate"
	"github.com/p-n-ai/pai-lms/internal/course"
	"github.com/p-n-ai/pai-lms/internal/engine"
	"github.com/p-n-ai/pai-lms/internal/notify"
	"github.com/p-n-ai/pai-lms/internal/outbox"
	"github.com/p-n-ai/pai-lms/internal/progress"
	"github.com/p-n-ai/pai-lms/internal/quiz"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRenderer struct {
	mu       sync.Mutex
	failures int
	rendered []certificate.Artifact
}

func (r *fakeRenderer) Render(_ context.Context, a certificate.Artifact) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return "", errors.New("disk full")
	}
	r.rendered = append(r.rendered, a)
	return "https://cdn.test/" + a.Number + ".png", nil
}

func (r *fakeRenderer) Rendered() []certificate.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]certificate.Artifact{}, r.rendered...)
}

type fixture struct {
	engine      *engine.Engine
	catalog     *catalog.MemoryStore
	quizzes     *quiz.MemoryStore
	clock       *clock
	renderer    *fakeRenderer
	notifier    *notify.MemoryNotifier
	enrollments *course.MemoryStore
	verifier    *certificate.Verifier
}

// newFixture seeds course c1 with three required items (a video, a document
// and quiz-1) plus one optional video, worth 100 completion points.
func newFixture(t *testing.T, maxAttempts int) fixture {
	t.Helper()
	ctx := context.Background()

	cat := catalog.NewMemoryStore()
	quizzes := quiz.NewMemoryStore()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(cat.PutCourse(ctx, catalog.Course{ID: "c1", Title: "Algebra I", CompletionPoints: 100}))
	must(cat.PutContentItem(ctx, catalog.ContentItem{ID: "v1", CourseID: "c1", Kind: catalog.KindVideo, IsRequired: true, Position: 1}))
	must(cat.PutContentItem(ctx, catalog.ContentItem{ID: "d1", CourseID: "c1", Kind: catalog.KindDocument, IsRequired: true, Position: 2}))
	must(cat.PutContentItem(ctx, catalog.ContentItem{ID: "q1", CourseID: "c1", Kind: catalog.KindQuiz, IsRequired: true, Position: 3}))
	must(cat.PutContentItem(ctx, catalog.ContentItem{ID: "extra", CourseID: "c1", Kind: catalog.KindVideo, Position: 4}))
	must(cat.PutLearner(ctx, catalog.Learner{ID: "l1", Name: "Aisyah"}))
	must(quizzes.PutQuiz(ctx, quiz.Quiz{
		ID:            "quiz-1",
		ContentItemID: "q1",
		PassingScore:  60,
		MaxAttempts:   maxAttempts,
		Questions: []quiz.Question{
			{ID: "Q1", Type: quiz.MultipleChoice, CorrectAnswer: "B", Points: 1, Position: 1},
			{ID: "Q2", Type: quiz.ShortAnswer, CorrectAnswer: "Paris", Points: 1, Position: 2},
		},
	}))

	f := fixture{
		catalog:     cat,
		quizzes:     quizzes,
		clock:       &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		renderer:    &fakeRenderer{},
		notifier:    notify.NewMemoryNotifier(),
		enrollments: course.NewMemoryStore(),
		verifier:    certificate.NewVerifier("test-secret"),
	}
	f.engine = engine.New(engine.Config{
		Catalog:     cat,
		Quizzes:     quizzes,
		Enrollments: f.enrollments,
		Verifier:    f.verifier,
		Renderer:    f.renderer,
		Notifier:    f.notifier,
		Now:         f.clock.Now,
	})
	return f
}

func eventTypes(events []notify.Event) map[string]int {
	out := map[string]int{}
	for _, e := range events {
		out[e.Type]++
	}
	return out
}

func TestEngine_CompletesCourseThroughQuiz(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for _, item := range []string{"v1", "d1"} {
		res, err := f.engine.RecordProgress(ctx, "l1", item, true, 12)
		if err != nil {
			t.Fatalf("RecordProgress(%s) error = %v", item, err)
		}
		if res.CourseCompleted {
			t.Errorf("RecordProgress(%s) completed the course early", item)
		}
	}
	cp, err := f.engine.GetCourseProgress(ctx, "l1", "c1")
	if err != nil {
		t.Fatalf("GetCourseProgress() error = %v", err)
	}
	if cp.Enrollment.ProgressPercentage != 67 {
		t.Errorf("percentage = %d, want 67", cp.Enrollment.ProgressPercentage)
	}

	qr, err := f.engine.SubmitQuizAttempt(ctx, "l1", "quiz-1", map[string]any{"Q1": "B", "Q2": " paris "})
	if err != nil {
		t.Fatalf("SubmitQuizAttempt() error = %v", err)
	}
	if qr.Attempt.Score != 100 || !qr.Attempt.Passed {
		t.Errorf("attempt = %+v, want score 100 passed", qr.Attempt)
	}
	if !qr.CourseCompleted || qr.Enrollment.ProgressPercentage != 100 || qr.Enrollment.CompletedAt == nil {
		t.Errorf("result = %+v, want completed course at 100%%", qr)
	}
	if qr.BadgeAwarded != engine.PerfectQuizBadge("quiz-1") {
		t.Errorf("BadgeAwarded = %q, want perfect-quiz:quiz-1", qr.BadgeAwarded)
	}

	entry, err := f.engine.GetRank(ctx, "l1")
	if err != nil {
		t.Fatalf("GetRank() error = %v", err)
	}
	if entry.TotalPoints != 115 || entry.CoursesCompleted != 1 || entry.BadgesEarned != 2 || entry.Rank != 1 {
		t.Errorf("entry = %+v, want 115 points, 1 course, 2 badges, rank 1", entry)
	}

	if n, err := f.engine.RunOutbox(ctx); err != nil || n != 5 {
		t.Fatalf("RunOutbox() = %d, %v, want 5 tasks", n, err)
	}
	got := eventTypes(f.notifier.Events())
	want := map[string]int{notify.CourseCompleted: 1, notify.CertificateIssued: 1, notify.BadgeAwarded: 2}
	for typ, n := range want {
		if got[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, got[typ], n)
		}
	}

	rendered := f.renderer.Rendered()
	if len(rendered) != 1 || rendered[0].LearnerName != "Aisyah" || rendered[0].CourseTitle != "Algebra I" {
		t.Fatalf("rendered = %+v, want one certificate for Aisyah / Algebra I", rendered)
	}

	cp, err = f.engine.GetCourseProgress(ctx, "l1", "c1")
	if err != nil {
		t.Fatalf("GetCourseProgress() error = %v", err)
	}
	if cp.Certificate == nil || cp.Certificate.ArtifactURL == "" {
		t.Fatalf("certificate = %+v, want rendered certificate", cp.Certificate)
	}
	if len(cp.Items) != 4 {
		t.Fatalf("items = %d, want 4", len(cp.Items))
	}
	q := cp.Items[2]
	if q.Item.ID != "q1" || q.BestScore == nil || *q.BestScore != 100 || q.Attempts != 1 {
		t.Errorf("quiz item = %+v, want best score 100 after 1 attempt", q)
	}
	if cp.Items[3].Progress != nil {
		t.Errorf("optional item progress = %+v, want none", cp.Items[3].Progress)
	}
	if v1 := cp.Items[0].Progress; v1 == nil || v1.TimeSpentMinutes != 12 {
		t.Errorf("v1 progress = %+v, want 12 minutes", v1)
	}
}

func TestEngine_FailedQuizDoesNotComplete(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	qr, err := f.engine.SubmitQuizAttempt(ctx, "l1", "quiz-1", map[string]any{"Q1": "A", "Q2": "Paris"})
	if err != nil {
		t.Fatalf("SubmitQuizAttempt() error = %v", err)
	}
	if qr.Attempt.Score != 50 || qr.Attempt.Passed {
		t.Errorf("attempt = %+v, want failed 50", qr.Attempt)
	}
	if qr.BadgeAwarded != "" {
		t.Errorf("BadgeAwarded = %q, want none", qr.BadgeAwarded)
	}

	cp, err := f.engine.GetCourseProgress(ctx, "l1", "c1")
	if err != nil {
		t.Fatalf("GetCourseProgress() error = %v", err)
	}
	rec := cp.Items[2].Progress
	if rec == nil || rec.IsCompleted {
		t.Errorf("quiz item progress = %+v, want an incomplete record", rec)
	}
	if cp.Enrollment.ProgressPercentage != 0 {
		t.Errorf("percentage = %d, want 0", cp.Enrollment.ProgressPercentage)
	}
}

func TestEngine_QuizAttemptsExhausted(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	wrong := map[string]any{"Q1": "C"}

	for i := 0; i < 2; i++ {
		if _, err := f.engine.SubmitQuizAttempt(ctx, "l1", "quiz-1", wrong); err != nil {
			t.Fatalf("attempt %d error = %v", i+1, err)
		}
	}
	_, err := f.engine.SubmitQuizAttempt(ctx, "l1", "quiz-1", wrong)
	if !errors.Is(err, quiz.ErrAttemptsExhausted) {
		t.Errorf("third attempt error = %v, want ErrAttemptsExhausted", err)
	}
}

func TestEngine_ConcurrentCompletionIssuesOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for _, item := range []string{"v1", "d1", "q1"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.engine.RecordProgress(ctx, "l1", item, true, 1); err != nil {
					t.Errorf("RecordProgress() error = %v", err)
				}
			}()
		}
	}
	wg.Wait()

	certs, err := f.engine.Certificates(ctx, "l1")
	if err != nil {
		t.Fatalf("Certificates() error = %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("certificates = %d, want 1", len(certs))
	}

	if _, err := f.engine.RunOutbox(ctx); err != nil {
		t.Fatalf("RunOutbox() error = %v", err)
	}
	if n := eventTypes(f.notifier.Events())[notify.CourseCompleted]; n != 1 {
		t.Errorf("course.completed events = %d, want 1", n)
	}

	entry, err := f.engine.GetRank(ctx, "l1")
	if err != nil {
		t.Fatalf("GetRank() error = %v", err)
	}
	if entry.TotalPoints != 110 || entry.CoursesCompleted != 1 {
		t.Errorf("entry = %+v, want 110 points and 1 course", entry)
	}
}

func TestEngine_RenderFailureIsRetried(t *testing.T) {
	f := newFixture(t, 0)
	f.renderer.failures = 1
	ctx := context.Background()

	for _, item := range []string{"v1", "d1", "q1"} {
		if _, err := f.engine.RecordProgress(ctx, "l1", item, true, 0); err != nil {
			t.Fatalf("RecordProgress() error = %v", err)
		}
	}
	if _, err := f.engine.RunOutbox(ctx); err != nil {
		t.Fatalf("RunOutbox() error = %v", err)
	}

	certs, _ := f.engine.Certificates(ctx, "l1")
	if len(certs) != 1 || certs[0].ArtifactURL != "" {
		t.Fatalf("certificates = %+v, want one unrendered certificate", certs)
	}

	f.clock.Advance(outbox.Backoff(1))
	if _, err := f.engine.RunOutbox(ctx); err != nil {
		t.Fatalf("RunOutbox() error = %v", err)
	}
	certs, _ = f.engine.Certificates(ctx, "l1")
	if want := "https://cdn.test/" + certs[0].Number + ".png"; certs[0].ArtifactURL != want {
		t.Errorf("ArtifactURL = %q, want %q", certs[0].ArtifactURL, want)
	}
}

func TestEngine_ReconcileRecoversLostEffects(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// Complete the enrollment behind the engine's back, as if the process
	// died between the completion write and its handler.
	at := f.clock.Now()
	if _, err := f.enrollments.Ensure(ctx, "l1", "c1", at); err != nil {
		t.Fatal(err)
	}
	if _, err := f.enrollments.SetPercentage(ctx, "l1", "c1", 100); err != nil {
		t.Fatal(err)
	}
	if won, err := f.enrollments.MarkCompleted(ctx, "l1", "c1", at); err != nil || !won {
		t.Fatalf("MarkCompleted() = %v, %v", won, err)
	}

	for i := 0; i < 2; i++ {
		res, err := f.engine.Reconcile(ctx, time.Hour, 100)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if res.Completions != 1 || res.Renders != 0 {
			t.Errorf("Reconcile() = %+v, want 1 completion and no renders", res)
		}
	}

	certs, _ := f.engine.Certificates(ctx, "l1")
	if len(certs) != 1 {
		t.Fatalf("certificates = %d, want 1", len(certs))
	}
	entry, err := f.engine.GetRank(ctx, "l1")
	if err != nil {
		t.Fatalf("GetRank() error = %v", err)
	}
	if entry.TotalPoints != 110 || entry.CoursesCompleted != 1 {
		t.Errorf("entry = %+v, want credits applied once", entry)
	}

	f.clock.Advance(15 * time.Minute)
	res, err := f.engine.Reconcile(ctx, time.Hour, 100)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Renders != 1 {
		t.Errorf("Renders = %d, want the stale certificate re-queued", res.Renders)
	}

	// Notifications lost with the handler are re-emitted exactly once.
	if _, err := f.engine.RunOutbox(ctx); err != nil {
		t.Fatalf("RunOutbox() error = %v", err)
	}
	got := eventTypes(f.notifier.Events())
	want := map[string]int{notify.CourseCompleted: 1, notify.CertificateIssued: 1, notify.BadgeAwarded: 1}
	for typ, n := range want {
		if got[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, got[typ], n)
		}
	}
}

func TestEngine_PerfectQuizBadgeNeedsEveryPoint(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.catalog.PutContentItem(ctx, catalog.ContentItem{ID: "q2", CourseID: "c1", Kind: catalog.KindQuiz, Position: 5}); err != nil {
		t.Fatal(err)
	}
	if err := f.quizzes.PutQuiz(ctx, quiz.Quiz{
		ID:            "quiz-2",
		ContentItemID: "q2",
		PassingScore:  50,
		Questions: []quiz.Question{
			{ID: "big", Type: quiz.MultipleChoice, CorrectAnswer: "A", Points: 199, Position: 1},
			{ID: "small", Type: quiz.TrueFalse, CorrectAnswer: "true", Points: 1, Position: 2},
		},
	}); err != nil {
		t.Fatal(err)
	}

	qr, err := f.engine.SubmitQuizAttempt(ctx, "l1", "quiz-2", map[string]any{"big": "A", "small": "false"})
	if err != nil {
		t.Fatalf("SubmitQuizAttempt() error = %v", err)
	}
	if qr.Attempt.Score != 99 || qr.BadgeAwarded != "" {
		t.Errorf("near-perfect attempt = score %d badge %q, want 99 and no badge", qr.Attempt.Score, qr.BadgeAwarded)
	}

	qr, err = f.engine.SubmitQuizAttempt(ctx, "l1", "quiz-2", map[string]any{"big": "A", "small": true})
	if err != nil {
		t.Fatalf("SubmitQuizAttempt() error = %v", err)
	}
	if qr.Attempt.Score != 100 || qr.BadgeAwarded != engine.PerfectQuizBadge("quiz-2") {
		t.Errorf("perfect attempt = score %d badge %q, want 100 and perfect-quiz:quiz-2", qr.Attempt.Score, qr.BadgeAwarded)
	}

	entry, err := f.engine.GetRank(ctx, "l1")
	if err != nil {
		t.Fatalf("GetRank() error = %v", err)
	}
	if entry.BadgesEarned != 1 || entry.TotalPoints != 5 {
		t.Errorf("entry = %+v, want one badge worth 5 points", entry)
	}
}

func TestEngine_AttemptCountsWhenProgressFails(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// The quiz points at a content item the catalog does not know.
	if err := f.quizzes.PutQuiz(ctx, quiz.Quiz{
		ID:            "orphan",
		ContentItemID: "ghost",
		PassingScore:  50,
		Questions:     []quiz.Question{{ID: "a", Type: quiz.TrueFalse, CorrectAnswer: "true", Points: 1}},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.SubmitQuizAttempt(ctx, "l1", "orphan", map[string]any{"a": "true"})
	if !errors.Is(err, progress.ErrContentNotFound) {
		t.Fatalf("SubmitQuizAttempt() error = %v, want ErrContentNotFound", err)
	}
	n, err := f.quizzes.CountAttempts(ctx, "l1", "orphan")
	if err != nil {
		t.Fatalf("CountAttempts() error = %v", err)
	}
	if n != 1 {
		t.Errorf("attempts = %d, want the graded attempt kept", n)
	}
}

func TestEngine_VerifyCertificate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, item := range []string{"v1", "d1", "q1"} {
		if _, err := f.engine.RecordProgress(ctx, "l1", item, true, 0); err != nil {
			t.Fatalf("RecordProgress() error = %v", err)
		}
	}
	certs, _ := f.engine.Certificates(ctx, "l1")
	if len(certs) != 1 {
		t.Fatalf("certificates = %d, want 1", len(certs))
	}
	c := certs[0]

	tests := []struct {
		name   string
		number string
		code   string
		want   bool
	}{
		{"valid", c.Number, c.VerificationCode, true},
		{"wrong code", c.Number, "AAAAAAAAAAAA", false},
		{"unknown number", "CERT-0", c.VerificationCode, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := f.engine.VerifyCertificate(ctx, tt.number, tt.code)
			if err != nil {
				t.Fatalf("VerifyCertificate() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("VerifyCertificate() = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestEngine_Errors(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if _, err := f.engine.RecordProgress(ctx, "l1", "missing", true, 0); !errors.Is(err, progress.ErrContentNotFound) {
		t.Errorf("RecordProgress(missing) error = %v, want ErrContentNotFound", err)
	}
	if _, err := f.engine.GetCourseProgress(ctx, "l1", "c1"); !errors.Is(err, course.ErrNotFound) {
		t.Errorf("GetCourseProgress(not enrolled) error = %v, want course.ErrNotFound", err)
	}
	if _, err := f.engine.Enroll(ctx, "l1", "nope"); !errors.Is(err, course.ErrNotFound) {
		t.Errorf("Enroll(nope) error = %v, want course.ErrNotFound", err)
	}
	if _, err := f.engine.SubmitQuizAttempt(ctx, "l1", "nope", nil); !errors.Is(err, quiz.ErrNotFound) {
		t.Errorf("SubmitQuizAttempt(nope) error = %v, want quiz.ErrNotFound", err)
	}
}

func TestEngine_ExportLeaderboard(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, learner := range []string{"l1", "l2"} {
		for _, item := range []string{"v1", "d1", "q1"} {
			if _, err := f.engine.RecordProgress(ctx, learner, item, true, 0); err != nil {
				t.Fatalf("RecordProgress() error = %v", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.engine.ExportLeaderboard(ctx, &buf); err != nil {
		t.Fatalf("ExportLeaderboard() error = %v", err)
	}
	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer wb.Close()

	rows, err := wb.GetRows("Leaderboard")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	names := map[string]string{rows[1][1]: rows[1][2], rows[2][1]: rows[2][2]}
	if names["l1"] != "Aisyah" || names["l2"] != "Learner l2" {
		t.Errorf("names = %v, want Aisyah and the placeholder for l2", names)
	}
	for _, row := range rows[1:] {
		if row[0] != "1" {
			t.Errorf("rank = %s, want tied rank 1", row[0])
		}
	}
}

func TestPerfectQuizBadge(t *testing.T) {
	if got := engine.PerfectQuizBadge("quiz-9"); got != "perfect-quiz:quiz-9" {
		t.Errorf("PerfectQuizBadge() = %q", got)
	}
}
