// Package certificate issues exactly one certificate per completed
// (learner, course) pair and renders its artifact out of band.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no certificate matches.
	ErrNotFound = errors.New("certificate: not found")
	// ErrAlreadyIssued is returned by Store.Insert when the learner already
	// holds a certificate for the course.
	ErrAlreadyIssued = errors.New("certificate: already issued")
	// ErrNumberTaken is returned by Store.Insert when the certificate number
	// is already in use.
	ErrNumberTaken = errors.New("certificate: number taken")
)

// Certificate is proof that a learner completed a course.
type Certificate struct {
	ID               string    `json:"id"`
	Number           string    `json:"certificate_number"`
	LearnerID        string    `json:"learner_id"`
	CourseID         string    `json:"course_id"`
	VerificationCode string    `json:"verification_code"`
	ArtifactURL      string    `json:"artifact_url,omitempty"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Store persists certificates. Implementations enforce uniqueness of
// (learner, course) and of the certificate number.
type Store interface {
	Get(ctx context.Context, learnerID, courseID string) (Certificate, error)
	GetByNumber(ctx context.Context, number string) (Certificate, error)
	Insert(ctx context.Context, c Certificate) error
	SetArtifactURL(ctx context.Context, number, url string) error
	ListForLearner(ctx context.Context, learnerID string) ([]Certificate, error)
	// ListUnrendered returns up to limit certificates without an artifact URL,
	// oldest first.
	ListUnrendered(ctx context.Context, limit int) ([]Certificate, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	byNumber map[string]Certificate
	byOwner  map[string]string // learnerID|courseID -> number
}

// NewMemoryStore creates an empty in-memory certificate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byNumber: make(map[string]Certificate),
		byOwner:  make(map[string]string),
	}
}

func ownerKey(learnerID, courseID string) string {
	return learnerID + "|" + courseID
}

func (s *MemoryStore) Get(_ context.Context, learnerID, courseID string) (Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	number, ok := s.byOwner[ownerKey(learnerID, courseID)]
	if !ok {
		return Certificate{}, fmt.Errorf("certificate for %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	return s.byNumber[number], nil
}

func (s *MemoryStore) GetByNumber(_ context.Context, number string) (Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byNumber[number]
	if !ok {
		return Certificate{}, fmt.Errorf("certificate %s: %w", number, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) Insert(_ context.Context, c Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(c.LearnerID, c.CourseID)
	if _, ok := s.byOwner[key]; ok {
		return fmt.Errorf("certificate for %s/%s: %w", c.LearnerID, c.CourseID, ErrAlreadyIssued)
	}
	if _, ok := s.byNumber[c.Number]; ok {
		return fmt.Errorf("certificate %s: %w", c.Number, ErrNumberTaken)
	}
	s.byNumber[c.Number] = c
	s.byOwner[key] = c.Number
	return nil
}

func (s *MemoryStore) SetArtifactURL(_ context.Context, number, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byNumber[number]
	if !ok {
		return fmt.Errorf("certificate %s: %w", number, ErrNotFound)
	}
	c.ArtifactURL = url
	s.byNumber[number] = c
	return nil
}

func (s *MemoryStore) ListForLearner(_ context.Context, learnerID string) ([]Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Certificate{}
	for _, c := range s.byNumber {
		if c.LearnerID == learnerID {
			out = append(out, c)
		}
	}
	sortByIssued(out)
	return out, nil
}

func (s *MemoryStore) ListUnrendered(_ context.Context, limit int) ([]Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Certificate{}
	for _, c := range s.byNumber {
		if c.ArtifactURL == "" {
			out = append(out, c)
		}
	}
	sortByIssued(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByIssued(cs []Certificate) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].IssuedAt.Equal(cs[j].IssuedAt) {
			return cs[i].IssuedAt.Before(cs[j].IssuedAt)
		}
		return cs[i].Number < cs[j].Number
	})
}
