// Package leaderboard keeps per-learner point totals and the global ranking
// derived from them.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a learner has no leaderboard entry.
var ErrNotFound = errors.New("leaderboard: not found")

// Entry is one learner's standing. Rank is derived and only ever written by
// a full recomputation.
type Entry struct {
	LearnerID        string    `json:"learner_id"`
	TotalPoints      int64     `json:"total_points"`
	CoursesCompleted int       `json:"courses_completed"`
	BadgesEarned     int       `json:"badges_earned"`
	Rank             int       `json:"rank"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// better reports whether a strictly precedes b in rank order.
func better(a, b Entry) bool {
	if a.TotalPoints != b.TotalPoints {
		return a.TotalPoints > b.TotalPoints
	}
	if a.CoursesCompleted != b.CoursesCompleted {
		return a.CoursesCompleted > b.CoursesCompleted
	}
	return a.BadgesEarned > b.BadgesEarned
}

func tied(a, b Entry) bool {
	return !better(a, b) && !better(b, a)
}

// Rank returns a copy of entries sorted by points, courses and badges (all
// descending, learner ID ascending among ties) with competition ranks
// assigned: tied entries share a rank and the next distinct entry's rank is
// 1 + the number of entries ahead of it.
func Rank(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if tied(out[i], out[j]) {
			return out[i].LearnerID < out[j].LearnerID
		}
		return better(out[i], out[j])
	})
	for i := range out {
		if i > 0 && tied(out[i-1], out[i]) {
			out[i].Rank = out[i-1].Rank
			continue
		}
		out[i].Rank = i + 1
	}
	return out
}

// Credit is an idempotent addition to a learner's totals, keyed by SourceKey.
type Credit struct {
	SourceKey string
	LearnerID string
	Points    int64
	Courses   int
	Badges    int
}

// CourseCompletionKey is the ledger key for completing a course.
func CourseCompletionKey(learnerID, courseID string) string {
	return fmt.Sprintf("course-completed:%s:%s", learnerID, courseID)
}

// BadgeKey is the ledger key for earning a badge.
func BadgeKey(learnerID, badge string) string {
	return fmt.Sprintf("badge:%s:%s", learnerID, badge)
}

// Store persists the points ledger and leaderboard entries.
type Store interface {
	// Apply records the credit once per source key and adds it to the
	// learner's entry. It reports false when the key was already applied.
	Apply(ctx context.Context, c Credit, at time.Time) (bool, error)
	// Recompute reads every entry, ranks them with rank and writes the ranks
	// back atomically. It returns the number of entries.
	Recompute(ctx context.Context, rank func([]Entry) []Entry, at time.Time) (int, error)
	Top(ctx context.Context, n int) ([]Entry, error)
	Get(ctx context.Context, learnerID string) (Entry, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ledger  map[string]bool
}

// NewMemoryStore creates an empty in-memory leaderboard.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		ledger:  make(map[string]bool),
	}
}

func (s *MemoryStore) Apply(_ context.Context, c Credit, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger[c.SourceKey] {
		return false, nil
	}
	s.ledger[c.SourceKey] = true

	e := s.entries[c.LearnerID]
	e.LearnerID = c.LearnerID
	e.TotalPoints += c.Points
	e.CoursesCompleted += c.Courses
	e.BadgesEarned += c.Badges
	e.UpdatedAt = at
	s.entries[c.LearnerID] = e
	return true, nil
}

func (s *MemoryStore) Recompute(_ context.Context, rank func([]Entry) []Entry, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	for _, e := range rank(snapshot) {
		cur := s.entries[e.LearnerID]
		if cur.Rank != e.Rank {
			cur.Rank = e.Rank
			cur.UpdatedAt = at
		}
		s.entries[e.LearnerID] = cur
	}
	return len(snapshot), nil
}

func (s *MemoryStore) Top(_ context.Context, n int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortByRank(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, learnerID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[learnerID]
	if !ok {
		return Entry{}, fmt.Errorf("learner %s: %w", learnerID, ErrNotFound)
	}
	return e, nil
}

// sortByRank orders entries by rank. Entries credited since the last
// recompute still have rank 0 and go last.
func sortByRank(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if (a.Rank == 0) != (b.Rank == 0) {
			return b.Rank == 0
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.LearnerID < b.LearnerID
	})
}
