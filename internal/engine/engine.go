// Package engine wires progress, grading, completion, certificates and the
// leaderboard into the inbound operations served over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/certificate"
	"github.com/p-n-ai/pai-lms/internal/course"
	"github.com/p-n-ai/pai-lms/internal/leaderboard"
	"github.com/p-n-ai/pai-lms/internal/notify"
	"github.com/p-n-ai/pai-lms/internal/outbox"
	"github.com/p-n-ai/pai-lms/internal/progress"
	"github.com/p-n-ai/pai-lms/internal/quiz"
)

const (
	// FirstCourseBadge is awarded on a learner's first completed course.
	FirstCourseBadge = "first-course"

	firstCourseBadgePoints = 10
	perfectQuizBadgePoints = 5
)

// PerfectQuizBadge names the badge for a 100% score on quizID.
func PerfectQuizBadge(quizID string) string {
	return "perfect-quiz:" + quizID
}

// Config holds dependencies for the engine. Nil stores default to in-memory
// implementations.
type Config struct {
	Catalog      catalog.Store
	Progress     progress.Store
	Quizzes      quiz.Store
	Enrollments  course.Store
	Certificates certificate.Store
	Leaderboard  leaderboard.Store
	Outbox       outbox.Store

	Verifier *certificate.Verifier
	Renderer certificate.Renderer
	Notifier notify.Notifier

	DefaultMaxAttempts int
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxConcurrency  int

	Now func() time.Time
}

// Engine is the core learning-progress processor.
type Engine struct {
	catalog    catalog.Store
	quizzes    quiz.Store
	progress   *progress.Service
	grader     *quiz.Service
	courses    *course.Aggregator
	issuer     *certificate.Issuer
	ranker     *leaderboard.Ranker
	dispatcher *outbox.Dispatcher
	renderer   certificate.Renderer
	notifier   notify.Notifier
	now        func() time.Time
}

// New creates an engine and registers its outbox handlers.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.NewMemoryStore()
	}
	quizzes := cfg.Quizzes
	if quizzes == nil {
		quizzes = quiz.NewMemoryStore()
	}
	progressStore := cfg.Progress
	if progressStore == nil {
		progressStore = progress.NewMemoryStore()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	grader := quiz.NewService(quiz.ServiceConfig{
		Store:              quizzes,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		Now:                now,
	})
	issuer := certificate.NewIssuer(certificate.IssuerConfig{
		Store:    cfg.Certificates,
		Verifier: cfg.Verifier,
		Now:      now,
	})
	dispatcher := outbox.NewDispatcher(outbox.DispatcherConfig{
		Store:       cfg.Outbox,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Concurrency: cfg.OutboxConcurrency,
		Now:         now,
	})

	e := &Engine{
		catalog:    cat,
		quizzes:    quizzes,
		progress:   progress.NewService(progress.ServiceConfig{Store: progressStore, Catalog: cat, Now: now}),
		grader:     grader,
		issuer:     issuer,
		ranker:     leaderboard.NewRanker(cfg.Leaderboard, now),
		dispatcher: dispatcher,
		renderer:   cfg.Renderer,
		notifier:   notifier,
		now:        now,
	}
	e.courses = course.NewAggregator(course.AggregatorConfig{
		Store:      cfg.Enrollments,
		Catalog:    cat,
		Progress:   progressStore,
		OnComplete: e.HandleCompletion,
		Now:        now,
	})

	e.dispatcher.Register(TaskRenderCertificate, e.renderCertificate)
	e.dispatcher.Register(TaskNotify, e.deliverNotification)
	return e
}

// ProgressResult is the outcome of RecordProgress.
type ProgressResult struct {
	Record     progress.Record   `json:"progress"`
	Enrollment course.Enrollment `json:"enrollment"`
	// CourseCompleted is true only for the update that completed the course.
	CourseCompleted bool `json:"course_completed"`
}

// RecordProgress stores one content interaction and re-aggregates the owning
// course.
func (e *Engine) RecordProgress(ctx context.Context, learnerID, contentItemID string, completed bool, timeSpentDelta int64) (ProgressResult, error) {
	res, err := e.progress.RecordProgress(ctx, learnerID, contentItemID, completed, timeSpentDelta)
	if err != nil {
		return ProgressResult{}, err
	}
	out, err := e.courses.Recompute(ctx, learnerID, res.Item.CourseID)
	if err != nil {
		return ProgressResult{}, fmt.Errorf("recompute course %s: %w", res.Item.CourseID, err)
	}
	return ProgressResult{
		Record:          res.Record,
		Enrollment:      out.Enrollment,
		CourseCompleted: out.Transitioned,
	}, nil
}

// QuizResult is the outcome of SubmitQuizAttempt.
type QuizResult struct {
	Attempt         quiz.Attempt      `json:"attempt"`
	Enrollment      course.Enrollment `json:"enrollment"`
	CourseCompleted bool              `json:"course_completed"`
	BadgeAwarded    string            `json:"badge_awarded,omitempty"`
}

// SubmitQuizAttempt grades a submission. A passing attempt completes the
// quiz's content item; a failing one only touches its last-access time.
// The attempt is stored before progress is written: if the progress write
// fails the error is returned but the attempt still counts toward
// max_attempts, and the item stays incomplete until progress is recorded
// again.
func (e *Engine) SubmitQuizAttempt(ctx context.Context, learnerID, quizID string, answers map[string]any) (QuizResult, error) {
	sub, err := e.grader.Submit(ctx, learnerID, quizID, answers)
	if err != nil {
		return QuizResult{}, err
	}

	pr, err := e.RecordProgress(ctx, learnerID, sub.Quiz.ContentItemID, sub.Attempt.Passed, 0)
	if err != nil {
		return QuizResult{}, err
	}
	out := QuizResult{Attempt: sub.Attempt, Enrollment: pr.Enrollment, CourseCompleted: pr.CourseCompleted}

	if sub.Result.EarnedPoints == sub.Result.TotalPoints {
		badge := PerfectQuizBadge(quizID)
		applied, err := e.ranker.AwardBadge(ctx, learnerID, badge, perfectQuizBadgePoints)
		if err != nil {
			slog.Warn("perfect quiz badge failed", "learner_id", learnerID, "quiz_id", quizID, "error", err)
		} else if applied {
			out.BadgeAwarded = badge
			e.enqueueEvent(ctx, notify.Event{
				Type:      notify.BadgeAwarded,
				LearnerID: learnerID,
				Data:      map[string]any{"badge": badge},
			})
		}
	}
	return out, nil
}

// ItemProgress is one content item of a course with the learner's state.
type ItemProgress struct {
	Item     catalog.ContentItem `json:"item"`
	Progress *progress.Record    `json:"progress,omitempty"`
	// BestScore is set for quiz items the learner has attempted.
	BestScore *int `json:"best_score,omitempty"`
	Attempts  int  `json:"attempts,omitempty"`
}

// CourseProgress is the learner's view of one course.
type CourseProgress struct {
	Course      catalog.Course           `json:"course"`
	Enrollment  course.Enrollment        `json:"enrollment"`
	Items       []ItemProgress           `json:"items"`
	Certificate *certificate.Certificate `json:"certificate,omitempty"`
}

// GetCourseProgress returns enrollment, per-item progress, best quiz scores
// and the certificate, if any.
func (e *Engine) GetCourseProgress(ctx context.Context, learnerID, courseID string) (CourseProgress, error) {
	c, err := e.catalog.Course(ctx, courseID)
	if errors.Is(err, catalog.ErrNotFound) {
		return CourseProgress{}, fmt.Errorf("course %s: %w", courseID, course.ErrNotFound)
	}
	if err != nil {
		return CourseProgress{}, fmt.Errorf("lookup course: %w", err)
	}
	enrollment, err := e.courses.Get(ctx, learnerID, courseID)
	if err != nil {
		return CourseProgress{}, err
	}

	items, err := e.catalog.Items(ctx, courseID)
	if err != nil {
		return CourseProgress{}, fmt.Errorf("list items: %w", err)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	records, err := e.progress.ForItems(ctx, learnerID, ids)
	if err != nil {
		return CourseProgress{}, fmt.Errorf("read progress: %w", err)
	}
	byItem := make(map[string]progress.Record, len(records))
	for _, r := range records {
		byItem[r.ContentItemID] = r
	}

	out := CourseProgress{Course: c, Enrollment: enrollment, Items: make([]ItemProgress, 0, len(items))}
	for _, item := range items {
		ip := ItemProgress{Item: item}
		if r, ok := byItem[item.ID]; ok {
			ip.Progress = &r
		}
		if item.Kind == catalog.KindQuiz {
			if err := e.fillQuizScore(ctx, learnerID, &ip); err != nil {
				return CourseProgress{}, err
			}
		}
		out.Items = append(out.Items, ip)
	}

	cert, err := e.issuer.Get(ctx, learnerID, courseID)
	switch {
	case err == nil:
		out.Certificate = &cert
	case !errors.Is(err, certificate.ErrNotFound):
		return CourseProgress{}, err
	}
	return out, nil
}

func (e *Engine) fillQuizScore(ctx context.Context, learnerID string, ip *ItemProgress) error {
	q, err := e.quizzes.QuizByContentItem(ctx, ip.Item.ID)
	if errors.Is(err, quiz.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup quiz for %s: %w", ip.Item.ID, err)
	}
	attempts, err := e.grader.Attempts(ctx, learnerID, q.ID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	ip.Attempts = len(attempts)
	if best, ok := quiz.BestScore(attempts); ok {
		ip.BestScore = &best
	}
	return nil
}

// Enroll enrolls the learner in a course. Enrolling twice is a no-op.
func (e *Engine) Enroll(ctx context.Context, learnerID, courseID string) (course.Enrollment, error) {
	return e.courses.Enroll(ctx, learnerID, courseID)
}

// Enrollments returns every enrollment of the learner.
func (e *Engine) Enrollments(ctx context.Context, learnerID string) ([]course.Enrollment, error) {
	return e.courses.ListForLearner(ctx, learnerID)
}

// GetLeaderboard returns the top entries. Non-positive limits use the default.
func (e *Engine) GetLeaderboard(ctx context.Context, limit int) ([]leaderboard.Entry, error) {
	return e.ranker.GetTop(ctx, limit)
}

// GetRank returns the learner's leaderboard entry.
func (e *Engine) GetRank(ctx context.Context, learnerID string) (leaderboard.Entry, error) {
	return e.ranker.GetRank(ctx, learnerID)
}

// RecomputeRanks rewrites every rank.
func (e *Engine) RecomputeRanks(ctx context.Context) error {
	return e.ranker.RecomputeRanks(ctx)
}

// ExportLeaderboard writes the whole leaderboard as an XLSX workbook.
func (e *Engine) ExportLeaderboard(ctx context.Context, w io.Writer) error {
	entries, err := e.ranker.All(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(entries))
	for _, entry := range entries {
		names[entry.LearnerID] = e.learner(ctx, entry.LearnerID).DisplayName()
	}
	return leaderboard.WriteXLSX(w, entries, names)
}

// Certificates returns every certificate of the learner.
func (e *Engine) Certificates(ctx context.Context, learnerID string) ([]certificate.Certificate, error) {
	return e.issuer.ListForLearner(ctx, learnerID)
}

// VerifyCertificate checks a certificate number against its verification code.
func (e *Engine) VerifyCertificate(ctx context.Context, number, code string) (certificate.Certificate, bool, error) {
	return e.issuer.Verify(ctx, number, code)
}

// RunOutbox processes one batch of queued tasks.
func (e *Engine) RunOutbox(ctx context.Context) (int, error) {
	return e.dispatcher.RunOnce(ctx)
}

// learner returns the learner profile, or a bare one when the catalog does
// not know the learner.
func (e *Engine) learner(ctx context.Context, id string) catalog.Learner {
	l, err := e.catalog.Learner(ctx, id)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			slog.Warn("learner lookup failed", "learner_id", id, "error", err)
		}
		return catalog.Learner{ID: id}
	}
	return l
}
