// Package progress records per-learner, per-content-item completion and time spent.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrContentNotFound is returned when progress references an unknown content item.
	ErrContentNotFound = errors.New("progress: content item not found")
	// ErrInvalidDelta is returned for a negative time-spent delta.
	ErrInvalidDelta = errors.New("progress: negative time spent delta")
	// ErrNotFound is returned by Get when no record exists yet.
	ErrNotFound = errors.New("progress: record not found")
)

// Record is a learner's progress on one content item.
type Record struct {
	LearnerID        string     `json:"learner_id"`
	ContentItemID    string     `json:"content_item_id"`
	IsCompleted      bool       `json:"is_completed"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TimeSpentMinutes int64      `json:"time_spent_minutes"`
	LastAccessedAt   time.Time  `json:"last_accessed_at"`
}

// Update is a single interaction with a content item. Completion is sticky
// and TimeSpentDelta is added to the stored total.
type Update struct {
	LearnerID      string
	ContentItemID  string
	Completed      bool
	TimeSpentDelta int64
	At             time.Time
}

// Store persists progress records.
type Store interface {
	// Apply upserts the record for the update's (learner, item) pair and
	// returns the stored state after the update.
	Apply(ctx context.Context, u Update) (Record, error)
	Get(ctx context.Context, learnerID, contentItemID string) (Record, error)
	// ForItems returns the learner's existing records among itemIDs.
	ForItems(ctx context.Context, learnerID string, itemIDs []string) ([]Record, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

type recordKey struct {
	learnerID     string
	contentItemID string
}

// NewMemoryStore creates an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

func (s *MemoryStore) Apply(_ context.Context, u Update) (Record, error) {
	if u.TimeSpentDelta < 0 {
		return Record{}, fmt.Errorf("delta %d: %w", u.TimeSpentDelta, ErrInvalidDelta)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{u.LearnerID, u.ContentItemID}
	rec, ok := s.records[key]
	if !ok {
		rec = Record{LearnerID: u.LearnerID, ContentItemID: u.ContentItemID, LastAccessedAt: u.At}
	}
	merge(&rec, u)
	s.records[key] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, learnerID, contentItemID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{learnerID, contentItemID}]
	if !ok {
		return Record{}, fmt.Errorf("learner %s item %s: %w", learnerID, contentItemID, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ForItems(_ context.Context, learnerID string, itemIDs []string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(itemIDs))
	for _, id := range itemIDs {
		if rec, ok := s.records[recordKey{learnerID, id}]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// merge applies u to rec with the same rules the SQL upsert uses.
func merge(rec *Record, u Update) {
	if u.Completed && !rec.IsCompleted {
		rec.IsCompleted = true
		at := u.At
		rec.CompletedAt = &at
	}
	rec.TimeSpentMinutes += u.TimeSpentDelta
	if u.At.After(rec.LastAccessedAt) {
		rec.LastAccessedAt = u.At
	}
}

func cloneRecord(r Record) Record {
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		r.CompletedAt = &at
	}
	return r
}

// CountCompleted returns how many of records are completed.
func CountCompleted(records []Record) int {
	n := 0
	for _, r := range records {
		if r.IsCompleted {
			n++
		}
	}
	return n
}
