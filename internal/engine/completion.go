package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-lms/internal/course"
	"github.com/p-n-ai/pai-lms/internal/notify"
)

// renderGrace leaves freshly issued certificates to their queued render task
// before reconciliation re-queues them.
const renderGrace = 10 * time.Minute

// HandleCompletion runs the downstream effects of a course completion: the
// certificate, the completion credit, the first-course badge and the queued
// render and notification work. Every effect is idempotent, and each
// notification is queued by the call that first applied its effect, so
// Reconcile re-emits whatever a crash lost.
func (e *Engine) HandleCompletion(ctx context.Context, ev course.CompletionEvent) error {
	return e.applyCompletion(ctx, ev)
}

func (e *Engine) applyCompletion(ctx context.Context, ev course.CompletionEvent) error {
	var errs []error

	cert, created, err := e.issuer.IssueIfAbsent(ctx, ev.LearnerID, ev.CourseID)
	if err != nil {
		errs = append(errs, fmt.Errorf("issue certificate: %w", err))
	} else if created {
		e.enqueueRender(ctx, cert.Number)
		e.enqueueEvent(ctx, notify.Event{
			Type:      notify.CertificateIssued,
			LearnerID: ev.LearnerID,
			CourseID:  ev.CourseID,
			Data:      map[string]any{"certificate_number": cert.Number},
		})
	}

	c, err := e.catalog.Course(ctx, ev.CourseID)
	if err != nil {
		errs = append(errs, fmt.Errorf("lookup course: %w", err))
	} else {
		credited, err := e.ranker.CreditCourseCompletion(ctx, ev.LearnerID, ev.CourseID, c.CompletionPoints)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("credit completion: %w", err))
		case credited:
			e.enqueueEvent(ctx, notify.Event{
				Type:      notify.CourseCompleted,
				LearnerID: ev.LearnerID,
				CourseID:  ev.CourseID,
				CreatedAt: ev.CompletedAt,
			})
		}
	}

	applied, err := e.ranker.AwardBadge(ctx, ev.LearnerID, FirstCourseBadge, firstCourseBadgePoints)
	if err != nil {
		errs = append(errs, fmt.Errorf("award badge: %w", err))
	} else if applied {
		e.enqueueEvent(ctx, notify.Event{
			Type:      notify.BadgeAwarded,
			LearnerID: ev.LearnerID,
			Data:      map[string]any{"badge": FirstCourseBadge},
		})
	}

	return errors.Join(errs...)
}

// ReconcileResult counts the work a reconciliation pass re-ran.
type ReconcileResult struct {
	Completions int
	Renders     int
}

// Reconcile re-runs completion effects for enrollments completed within the
// window and re-queues rendering for certificates still lacking an artifact.
// It recovers effects lost between a completion write and its handler.
func (e *Engine) Reconcile(ctx context.Context, window time.Duration, renderLimit int) (ReconcileResult, error) {
	now := e.now().UTC()
	var res ReconcileResult

	completed, err := e.courses.CompletedSince(ctx, now.Add(-window))
	if err != nil {
		return res, fmt.Errorf("list completed enrollments: %w", err)
	}
	var errs []error
	for _, en := range completed {
		ev := course.CompletionEvent{LearnerID: en.LearnerID, CourseID: en.CourseID, CompletedAt: *en.CompletedAt}
		if err := e.applyCompletion(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Completions++
	}

	pending, err := e.issuer.Unrendered(ctx, renderLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unrendered certificates: %w", err))
	}
	for _, c := range pending {
		if c.IssuedAt.After(now.Add(-renderGrace)) {
			continue
		}
		e.enqueueRender(ctx, c.Number)
		res.Renders++
	}

	slog.Info("reconciliation finished",
		"completions", res.Completions,
		"renders", res.Renders,
		"errors", len(errs),
	)
	return res, errors.Join(errs...)
}
