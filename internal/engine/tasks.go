package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/certificate"
	"github.com/p-n-ai/pai-lms/internal/notify"
	"github.com/p-n-ai/pai-lms/internal/outbox"
)

// Outbox task kinds.
const (
	TaskRenderCertificate = "certificate.render"
	TaskNotify            = "notify.event"
)

type renderPayload struct {
	Number string `json:"certificate_number"`
}

// enqueueRender queues artifact rendering. A failure only delays the
// artifact; reconciliation queues it again.
func (e *Engine) enqueueRender(ctx context.Context, number string) {
	if _, err := e.dispatcher.Enqueue(ctx, TaskRenderCertificate, renderPayload{Number: number}); err != nil {
		slog.Warn("enqueue certificate render failed", "certificate_number", number, "error", err)
	}
}

// enqueueEvent queues a notification. Notifications are best effort.
func (e *Engine) enqueueEvent(ctx context.Context, ev notify.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now().UTC()
	}
	if _, err := e.dispatcher.Enqueue(ctx, TaskNotify, ev); err != nil {
		slog.Warn("enqueue notification failed", "type", ev.Type, "learner_id", ev.LearnerID, "error", err)
	}
}

func (e *Engine) renderCertificate(ctx context.Context, t outbox.Task) error {
	if e.renderer == nil {
		return fmt.Errorf("no certificate renderer configured")
	}
	var p renderPayload
	if err := t.Decode(&p); err != nil {
		return err
	}

	cert, err := e.issuer.GetByNumber(ctx, p.Number)
	if err != nil {
		return err
	}
	if cert.ArtifactURL != "" {
		return nil
	}

	title := cert.CourseID
	c, err := e.catalog.Course(ctx, cert.CourseID)
	switch {
	case err == nil:
		title = c.Title
	case !errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("lookup course: %w", err)
	}

	url, err := e.renderer.Render(ctx, certificate.Artifact{
		Number:           cert.Number,
		LearnerName:      e.learner(ctx, cert.LearnerID).DisplayName(),
		CourseTitle:      title,
		VerificationCode: cert.VerificationCode,
		IssuedAt:         cert.IssuedAt,
	})
	if err != nil {
		return fmt.Errorf("render certificate %s: %w", cert.Number, err)
	}
	if err := e.issuer.AttachArtifact(ctx, cert.Number, url); err != nil {
		return err
	}
	slog.Info("certificate rendered", "certificate_number", cert.Number, "url", url)
	return nil
}

func (e *Engine) deliverNotification(ctx context.Context, t outbox.Task) error {
	var ev notify.Event
	if err := t.Decode(&ev); err != nil {
		return err
	}
	return e.notifier.Notify(ctx, ev)
}
