// Package notify delivers learner events (course completions, certificate
// issuance, badges) to whoever is listening. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	CourseCompleted   = "course.completed"
	CertificateIssued = "certificate.issued"
	BadgeAwarded      = "badge.awarded"
)

// Event is a single learner-facing notification.
type Event struct {
	Type      string         `json:"type"`
	LearnerID string         `json:"learner_id"`
	CourseID  string         `json:"course_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks the fields every sink relies on.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.LearnerID == "" {
		return fmt.Errorf("event learner_id is required")
	}
	return nil
}

// Notifier accepts events for delivery.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// MemoryNotifier records events in memory for tests.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{events: []Event{}}
}

func (n *MemoryNotifier) Notify(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (n *MemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event{}, n.events...)
}

// Gateway fans events out to every registered sink.
type Gateway struct {
	sinks map[string]Notifier
	mu    sync.RWMutex
}

// NewGateway creates a gateway with no sinks.
func NewGateway() *Gateway {
	return &Gateway{sinks: make(map[string]Notifier)}
}

// Register adds a named sink, replacing any sink with the same name.
func (g *Gateway) Register(name string, n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks[name] = n
	slog.Info("notification sink registered", "sink", name)
}

// HasSink returns true if the named sink is registered.
func (g *Gateway) HasSink(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sinks[name]
	return ok
}

// Notify delivers e to every sink. A failing sink does not stop delivery to
// the others; their errors are joined.
func (g *Gateway) Notify(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	g.mu.RLock()
	sinks := make(map[string]Notifier, len(g.sinks))
	for name, n := range g.sinks {
		sinks[name] = n
	}
	g.mu.RUnlock()

	var errs []error
	for name, n := range sinks {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
