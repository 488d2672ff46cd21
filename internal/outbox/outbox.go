// Package outbox is a durable queue for best-effort work (artifact rendering,
// notifications) that must never block or roll back the state that caused it.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for an unknown task ID.
var ErrNotFound = errors.New("outbox: task not found")

// Task is one unit of queued work.
type Task struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DoneAt        *time.Time      `json:"done_at,omitempty"`
	Dead          bool            `json:"dead"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Store persists tasks.
type Store interface {
	Enqueue(ctx context.Context, t Task) error
	// ClaimDue leases up to limit due tasks until now+lease and increments
	// their attempt counters. Leased tasks are invisible to other claimers.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	Complete(ctx context.Context, id string, at time.Time) error
	// Fail records the error and reschedules the task, or retires it when dead.
	Fail(ctx context.Context, id, lastError string, next time.Time, dead bool) error
	Get(ctx context.Context, id string) (Task, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	leases map[string]time.Time
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		leases: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, t Task) error {
	if t.ID == "" || t.Kind == "" {
		return fmt.Errorf("task id and kind are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &t
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := []*Task{}
	for id, t := range s.tasks {
		if t.DoneAt != nil || t.Dead || t.NextAttemptAt.After(now) {
			continue
		}
		if until, ok := s.leases[id]; ok && until.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Task, 0, len(due))
	for _, t := range due {
		t.Attempts++
		s.leases[t.ID] = now.Add(lease)
		out = append(out, *t)
	}
	return out, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.DoneAt = &at
	t.LastError = ""
	delete(s.leases, id)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id, lastError string, next time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.LastError = lastError
	t.NextAttemptAt = next
	t.Dead = dead
	delete(s.leases, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return *t, nil
}
