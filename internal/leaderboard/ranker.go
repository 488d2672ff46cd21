package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultTop = 10
	maxTop     = 500
)

// Ranker credits points and serves always-fresh ranks: every read path
// recomputes ranks before reading.
type Ranker struct {
	store Store
	now   func() time.Time
}

// NewRanker creates a Ranker. A nil store defaults to an in-memory one.
func NewRanker(store Store, now func() time.Time) *Ranker {
	if store == nil {
		store = NewMemoryStore()
	}
	if now == nil {
		now = time.Now
	}
	return &Ranker{store: store, now: now}
}

// RecomputeRanks rewrites the rank of every entry.
func (r *Ranker) RecomputeRanks(ctx context.Context) error {
	start := r.now()
	n, err := r.store.Recompute(ctx, Rank, start.UTC())
	if err != nil {
		return fmt.Errorf("recompute ranks: %w", err)
	}
	slog.Debug("leaderboard ranks recomputed", "entries", n, "duration", r.now().Sub(start))
	return nil
}

// ClampLimit maps a requested page size onto the supported range.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultTop
	case n > maxTop:
		return maxTop
	default:
		return n
	}
}

// GetTop returns the best n entries in rank order.
func (r *Ranker) GetTop(ctx context.Context, n int) ([]Entry, error) {
	if err := r.RecomputeRanks(ctx); err != nil {
		return nil, err
	}
	return r.store.Top(ctx, ClampLimit(n))
}

// All returns every entry in rank order.
func (r *Ranker) All(ctx context.Context) ([]Entry, error) {
	if err := r.RecomputeRanks(ctx); err != nil {
		return nil, err
	}
	return r.store.Top(ctx, 0)
}

// GetRank returns one learner's entry with a fresh rank.
func (r *Ranker) GetRank(ctx context.Context, learnerID string) (Entry, error) {
	if err := r.RecomputeRanks(ctx); err != nil {
		return Entry{}, err
	}
	return r.store.Get(ctx, learnerID)
}

// CreditCourseCompletion adds the course's points and one completed course,
// once per (learner, course).
func (r *Ranker) CreditCourseCompletion(ctx context.Context, learnerID, courseID string, points int) (bool, error) {
	applied, err := r.store.Apply(ctx, Credit{
		SourceKey: CourseCompletionKey(learnerID, courseID),
		LearnerID: learnerID,
		Points:    int64(points),
		Courses:   1,
	}, r.now().UTC())
	if err != nil {
		return false, err
	}
	if applied {
		slog.Info("course completion credited", "learner_id", learnerID, "course_id", courseID, "points", points)
	}
	return applied, nil
}

// AwardBadge credits a badge and its points once per (learner, badge).
func (r *Ranker) AwardBadge(ctx context.Context, learnerID, badge string, points int) (bool, error) {
	applied, err := r.store.Apply(ctx, Credit{
		SourceKey: BadgeKey(learnerID, badge),
		LearnerID: learnerID,
		Points:    int64(points),
		Badges:    1,
	}, r.now().UTC())
	if err != nil {
		return false, err
	}
	if applied {
		slog.Info("badge awarded", "learner_id", learnerID, "badge", badge, "points", points)
	}
	return applied, nil
}
