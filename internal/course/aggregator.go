package course

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/progress"
)

// CompletionEvent is emitted exactly once per enrollment, by the caller whose
// conditional write set completed_at.
type CompletionEvent struct {
	LearnerID   string    `json:"learner_id"`
	CourseID    string    `json:"course_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// CompletionHandler receives completion events. Errors are logged and do not
// undo the completion; downstream effects must be idempotent so they can be
// re-run by reconciliation.
type CompletionHandler func(ctx context.Context, ev CompletionEvent) error

// ProgressReader is the part of the progress store the aggregator reads.
type ProgressReader interface {
	ForItems(ctx context.Context, learnerID string, itemIDs []string) ([]progress.Record, error)
}

// AggregatorConfig holds dependencies for the Aggregator.
type AggregatorConfig struct {
	Store      Store
	Catalog    catalog.Store
	Progress   ProgressReader
	OnComplete CompletionHandler
	Now        func() time.Time
}

// Aggregator derives course completion from required-item progress.
type Aggregator struct {
	store      Store
	catalog    catalog.Store
	progress   ProgressReader
	onComplete CompletionHandler
	now        func() time.Time
}

// NewAggregator creates an Aggregator. Nil stores default to in-memory ones.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	a := &Aggregator{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		progress:   cfg.Progress,
		onComplete: cfg.OnComplete,
		now:        cfg.Now,
	}
	if a.store == nil {
		a.store = NewMemoryStore()
	}
	if a.catalog == nil {
		a.catalog = catalog.NewMemoryStore()
	}
	if a.progress == nil {
		a.progress = progress.NewMemoryStore()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Outcome is the result of one recomputation.
type Outcome struct {
	Enrollment Enrollment
	Required   int
	Completed  int
	// Transitioned is true only for the call that completed the enrollment.
	Transitioned bool
}

// Percentage returns round-half-up(100*completed/required). A course with no
// required items is at 0. The result only reaches 100 when every required
// item is complete.
func Percentage(completed, required int) int {
	if required <= 0 {
		return 0
	}
	if completed > required {
		completed = required
	}
	pct := (200*completed + required) / (2 * required)
	if completed < required && pct >= 100 {
		return 99
	}
	return pct
}

// Enroll creates the enrollment if absent. The course must exist.
func (a *Aggregator) Enroll(ctx context.Context, learnerID, courseID string) (Enrollment, error) {
	if _, err := a.catalog.Course(ctx, courseID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Enrollment{}, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
		}
		return Enrollment{}, fmt.Errorf("lookup course: %w", err)
	}
	return a.store.Ensure(ctx, learnerID, courseID, a.now().UTC())
}

// Recompute recalculates the learner's percentage for the course, writes it,
// and performs the completion transition when it reaches 100.
func (a *Aggregator) Recompute(ctx context.Context, learnerID, courseID string) (Outcome, error) {
	enrollment, err := a.Enroll(ctx, learnerID, courseID)
	if err != nil {
		return Outcome{}, err
	}

	required, err := a.catalog.RequiredItems(ctx, courseID)
	if err != nil {
		return Outcome{}, fmt.Errorf("required items: %w", err)
	}
	ids := make([]string, len(required))
	for i, item := range required {
		ids[i] = item.ID
	}
	records, err := a.progress.ForItems(ctx, learnerID, ids)
	if err != nil {
		return Outcome{}, fmt.Errorf("read progress: %w", err)
	}

	out := Outcome{Required: len(ids), Completed: progress.CountCompleted(records)}
	pct := Percentage(out.Completed, out.Required)

	if enrollment.ProgressPercentage != pct && !enrollment.Completed() {
		enrollment, err = a.store.SetPercentage(ctx, learnerID, courseID, pct)
		if err != nil {
			return Outcome{}, err
		}
	}
	out.Enrollment = enrollment

	if pct < 100 || enrollment.Completed() {
		return out, nil
	}

	at := a.now().UTC()
	won, err := a.store.MarkCompleted(ctx, learnerID, courseID, at)
	if err != nil {
		return Outcome{}, err
	}
	if !won {
		slog.Debug("completion transition lost race", "learner_id", learnerID, "course_id", courseID)
		out.Enrollment, err = a.store.Get(ctx, learnerID, courseID)
		return out, err
	}

	out.Transitioned = true
	out.Enrollment.ProgressPercentage = 100
	out.Enrollment.CompletedAt = &at
	slog.Info("course completed", "learner_id", learnerID, "course_id", courseID)

	if a.onComplete != nil {
		ev := CompletionEvent{LearnerID: learnerID, CourseID: courseID, CompletedAt: at}
		if err := a.onComplete(ctx, ev); err != nil {
			slog.Warn("completion handler failed",
				"learner_id", learnerID,
				"course_id", courseID,
				"error", err,
			)
		}
	}
	return out, nil
}

// Get returns the enrollment.
func (a *Aggregator) Get(ctx context.Context, learnerID, courseID string) (Enrollment, error) {
	return a.store.Get(ctx, learnerID, courseID)
}

// ListForLearner returns all of a learner's enrollments.
func (a *Aggregator) ListForLearner(ctx context.Context, learnerID string) ([]Enrollment, error) {
	return a.store.ListForLearner(ctx, learnerID)
}

// CompletedSince returns enrollments completed at or after since.
func (a *Aggregator) CompletedSince(ctx context.Context, since time.Time) ([]Enrollment, error) {
	return a.store.ListCompleted(ctx, since)
}
