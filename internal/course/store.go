// Package course aggregates content-item progress into course completion
// and owns the enrollment record.
package course

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for an unknown course or enrollment.
	ErrNotFound = errors.New("course: not found")
)

// Enrollment is a learner's membership in a course. CompletedAt is set once,
// the first time the percentage reaches 100, and never cleared.
type Enrollment struct {
	LearnerID          string     `json:"learner_id"`
	CourseID           string     `json:"course_id"`
	ProgressPercentage int        `json:"progress_percentage"`
	EnrolledAt         time.Time  `json:"enrolled_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the completion transition has happened.
func (e Enrollment) Completed() bool { return e.CompletedAt != nil }

// Store persists enrollments.
type Store interface {
	// Ensure returns the enrollment, creating it at 0% if absent.
	Ensure(ctx context.Context, learnerID, courseID string, at time.Time) (Enrollment, error)
	Get(ctx context.Context, learnerID, courseID string) (Enrollment, error)
	// SetPercentage writes the percentage of an enrollment that has not
	// completed yet. Completed enrollments stay at 100.
	SetPercentage(ctx context.Context, learnerID, courseID string, pct int) (Enrollment, error)
	// MarkCompleted sets completed_at if it is unset. It reports whether this
	// call performed the transition; exactly one concurrent caller sees true.
	MarkCompleted(ctx context.Context, learnerID, courseID string, at time.Time) (bool, error)
	// ListCompleted returns enrollments completed at or after since.
	ListCompleted(ctx context.Context, since time.Time) ([]Enrollment, error)
	ListForLearner(ctx context.Context, learnerID string) ([]Enrollment, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.Mutex
	enrollments map[enrollmentKey]Enrollment
}

type enrollmentKey struct {
	learnerID string
	courseID  string
}

// NewMemoryStore creates an empty in-memory enrollment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{enrollments: make(map[enrollmentKey]Enrollment)}
}

func (s *MemoryStore) Ensure(_ context.Context, learnerID, courseID string, at time.Time) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{learnerID, courseID}
	e, ok := s.enrollments[key]
	if !ok {
		e = Enrollment{LearnerID: learnerID, CourseID: courseID, EnrolledAt: at}
		s.enrollments[key] = e
	}
	return clone(e), nil
}

func (s *MemoryStore) Get(_ context.Context, learnerID, courseID string) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[enrollmentKey{learnerID, courseID}]
	if !ok {
		return Enrollment{}, fmt.Errorf("enrollment %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	return clone(e), nil
}

func (s *MemoryStore) SetPercentage(_ context.Context, learnerID, courseID string, pct int) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{learnerID, courseID}
	e, ok := s.enrollments[key]
	if !ok {
		return Enrollment{}, fmt.Errorf("enrollment %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	if e.CompletedAt == nil {
		e.ProgressPercentage = pct
	}
	s.enrollments[key] = e
	return clone(e), nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, learnerID, courseID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{learnerID, courseID}
	e, ok := s.enrollments[key]
	if !ok {
		return false, fmt.Errorf("enrollment %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	if e.CompletedAt != nil {
		return false, nil
	}
	e.CompletedAt = &at
	e.ProgressPercentage = 100
	s.enrollments[key] = e
	return true, nil
}

func (s *MemoryStore) ListCompleted(_ context.Context, since time.Time) ([]Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Enrollment{}
	for _, e := range s.enrollments {
		if e.CompletedAt != nil && !e.CompletedAt.Before(since) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (s *MemoryStore) ListForLearner(_ context.Context, learnerID string) ([]Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Enrollment{}
	for _, e := range s.enrollments {
		if e.LearnerID == learnerID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func clone(e Enrollment) Enrollment {
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		e.CompletedAt = &at
	}
	return e
}
