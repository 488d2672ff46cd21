package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/p-n-ai/pai-lms/internal/engine"
	"github.com/p-n-ai/pai-lms/internal/platform/config"
)

const (
	reconcileWindow      = 24 * time.Hour
	reconcileRenderLimit = 100
	jobTimeout           = time.Minute
)

// jobRunner is the part of the engine driven by the scheduler.
type jobRunner interface {
	RunOutbox(ctx context.Context) (int, error)
	RecomputeRanks(ctx context.Context) error
	Reconcile(ctx context.Context, window time.Duration, renderLimit int) (engine.ReconcileResult, error)
}

// newScheduler registers the background jobs. An empty schedule disables its
// job. Overlapping runs of the same job are skipped.
func newScheduler(ctx context.Context, cfg *config.Config, r jobRunner) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"outbox", cfg.Outbox.Schedule, func(ctx context.Context) error {
			_, err := r.RunOutbox(ctx)
			return err
		}},
		{"leaderboard", cfg.Leaderboard.RecomputeSchedule, r.RecomputeRanks},
		{"reconcile", cfg.Leaderboard.ReconcileSchedule, func(ctx context.Context) error {
			_, err := r.Reconcile(ctx, reconcileWindow, reconcileRenderLimit)
			return err
		}},
	}

	for _, j := range jobs {
		if j.schedule == "" {
			slog.Info("job disabled", "job", j.name)
			continue
		}
		if _, err := c.AddFunc(j.schedule, func() {
			jctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			if err := j.run(jctx); err != nil {
				slog.Error("scheduled job failed", "job", j.name, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.schedule, err)
		}
		slog.Info("job scheduled", "job", j.name, "schedule", j.schedule)
	}
	return c, nil
}
