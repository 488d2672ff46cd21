package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-lms/internal/catalog"
)

// ServiceConfig holds dependencies for the progress service.
type ServiceConfig struct {
	Store   Store
	Catalog catalog.Store
	Now     func() time.Time
}

// Service validates progress updates against the catalog before storing them.
type Service struct {
	store   Store
	catalog catalog.Store
	now     func() time.Time
}

// NewService creates a progress service.
func NewService(cfg ServiceConfig) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.NewMemoryStore()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, catalog: cat, now: now}
}

// Result is a stored record together with the content item it belongs to,
// so callers know which course to re-aggregate.
type Result struct {
	Record Record
	Item   catalog.ContentItem
}

// RecordProgress applies one interaction. A missing content item fails with
// ErrContentNotFound and writes nothing.
func (s *Service) RecordProgress(ctx context.Context, learnerID, contentItemID string, completed bool, timeSpentDelta int64) (Result, error) {
	if timeSpentDelta < 0 {
		return Result{}, fmt.Errorf("delta %d: %w", timeSpentDelta, ErrInvalidDelta)
	}

	item, err := s.catalog.ContentItem(ctx, contentItemID)
	if errors.Is(err, catalog.ErrNotFound) {
		return Result{}, fmt.Errorf("content item %s: %w", contentItemID, ErrContentNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup content item: %w", err)
	}

	rec, err := s.store.Apply(ctx, Update{
		LearnerID:      learnerID,
		ContentItemID:  contentItemID,
		Completed:      completed,
		TimeSpentDelta: timeSpentDelta,
		At:             s.now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}

	slog.Debug("progress recorded",
		"learner_id", learnerID,
		"content_item_id", contentItemID,
		"completed", rec.IsCompleted,
		"time_spent_minutes", rec.TimeSpentMinutes,
	)
	return Result{Record: rec, Item: item}, nil
}

// Get returns the learner's record for one item.
func (s *Service) Get(ctx context.Context, learnerID, contentItemID string) (Record, error) {
	return s.store.Get(ctx, learnerID, contentItemID)
}

// ForItems returns the learner's records among itemIDs.
func (s *Service) ForItems(ctx context.Context, learnerID string, itemIDs []string) ([]Record, error) {
	return s.store.ForItems(ctx, learnerID, itemIDs)
}
