// Package catalog holds the course structure the progress engine reads:
// courses, their content items, and learners.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a course, content item or learner does not exist.
var ErrNotFound = errors.New("catalog: not found")

// ContentKind classifies a content item.
type ContentKind string

const (
	KindVideo    ContentKind = "video"
	KindDocument ContentKind = "document"
	KindQuiz     ContentKind = "quiz"
)

// Valid reports whether k is a known content kind.
func (k ContentKind) Valid() bool {
	switch k {
	case KindVideo, KindDocument, KindQuiz:
		return true
	}
	return false
}

// Course is a unit of enrollment.
type Course struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	CompletionPoints int    `json:"completion_points"`
}

// ContentItem is a consumable piece of a course. Only required items count
// toward course completion.
type ContentItem struct {
	ID         string      `json:"id"`
	CourseID   string      `json:"course_id"`
	Title      string      `json:"title"`
	Kind       ContentKind `json:"kind"`
	IsRequired bool        `json:"is_required"`
	Position   int         `json:"position"`
}

// Learner is the minimal learner profile needed to render certificates.
type Learner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DisplayName returns the learner's name, or a placeholder when unknown.
func (l Learner) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("Learner %s", l.ID)
}

// Store reads and writes catalog entities.
type Store interface {
	Course(ctx context.Context, id string) (Course, error)
	ContentItem(ctx context.Context, id string) (ContentItem, error)
	// Items returns every content item of a course ordered by position.
	Items(ctx context.Context, courseID string) ([]ContentItem, error)
	// RequiredItems returns the items counted in the completion denominator.
	RequiredItems(ctx context.Context, courseID string) ([]ContentItem, error)
	Learner(ctx context.Context, id string) (Learner, error)

	PutCourse(ctx context.Context, c Course) error
	PutContentItem(ctx context.Context, item ContentItem) error
	PutLearner(ctx context.Context, l Learner) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	courses  map[string]Course
	items    map[string]ContentItem
	learners map[string]Learner
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:  make(map[string]Course),
		items:    make(map[string]ContentItem),
		learners: make(map[string]Learner),
	}
}

func (s *MemoryStore) Course(_ context.Context, id string) (Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) ContentItem(_ context.Context, id string) (ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return ContentItem{}, fmt.Errorf("content item %s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) Items(_ context.Context, courseID string) ([]ContentItem, error) {
	return s.filterItems(courseID, false), nil
}

func (s *MemoryStore) RequiredItems(_ context.Context, courseID string) ([]ContentItem, error) {
	return s.filterItems(courseID, true), nil
}

func (s *MemoryStore) filterItems(courseID string, requiredOnly bool) []ContentItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []ContentItem{}
	for _, item := range s.items {
		if item.CourseID != courseID || (requiredOnly && !item.IsRequired) {
			continue
		}
		out = append(out, item)
	}
	sortItems(out)
	return out
}

func (s *MemoryStore) Learner(_ context.Context, id string) (Learner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.learners[id]
	if !ok {
		return Learner{}, fmt.Errorf("learner %s: %w", id, ErrNotFound)
	}
	return l, nil
}

func (s *MemoryStore) PutCourse(_ context.Context, c Course) error {
	if c.ID == "" {
		return fmt.Errorf("course id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
	return nil
}

func (s *MemoryStore) PutContentItem(_ context.Context, item ContentItem) error {
	if item.ID == "" {
		return fmt.Errorf("content item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.courses[item.CourseID]; !ok {
		return fmt.Errorf("course %s: %w", item.CourseID, ErrNotFound)
	}
	s.items[item.ID] = item
	return nil
}

func (s *MemoryStore) PutLearner(_ context.Context, l Learner) error {
	if l.ID == "" {
		return fmt.Errorf("learner id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learners[l.ID] = l
	return nil
}

func sortItems(items []ContentItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
}
