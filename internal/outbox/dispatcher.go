package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// Backoff returns the delay before retrying a task that has failed attempt
// times: 30s doubling per attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Handler executes one task. A returned error schedules a retry.
type Handler func(ctx context.Context, t Task) error

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	Store       Store
	BatchSize   int
	MaxAttempts int
	Concurrency int
	Lease       time.Duration
	Now         func() time.Time
}

// Dispatcher enqueues tasks and runs due ones through registered handlers.
type Dispatcher struct {
	store       Store
	batchSize   int
	maxAttempts int
	concurrency int
	lease       time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher with defaults for unset fields.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		store:       cfg.Store,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		concurrency: cfg.Concurrency,
		lease:       cfg.Lease,
		now:         cfg.Now,
		handlers:    make(map[string]Handler),
	}
	if d.store == nil {
		d.store = NewMemoryStore()
	}
	if d.batchSize <= 0 {
		d.batchSize = 50
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 10
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}
	if d.lease <= 0 {
		d.lease = 2 * time.Minute
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Register installs the handler for a task kind.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
	slog.Info("outbox handler registered", "kind", kind)
}

func (d *Dispatcher) handler(kind string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Enqueue stores a task of the given kind, due immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := d.now().UTC()
	t := Task{
		ID:            uuid.NewString(),
		Kind:          kind,
		Payload:       data,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := d.store.Enqueue(ctx, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// RunOnce claims one batch of due tasks and runs them with bounded
// concurrency. It returns the number of tasks that succeeded.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.store.ClaimDue(ctx, d.now().UTC(), d.batchSize, d.lease)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var mu sync.Mutex
	succeeded := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			ok, err := d.run(gctx, t)
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return err
		})
	}
	err = g.Wait()

	slog.Debug("outbox batch processed", "claimed", len(tasks), "succeeded", succeeded)
	return succeeded, err
}

// run executes one task and records the outcome. Handler failures are
// recorded on the task; only store failures are returned.
func (d *Dispatcher) run(ctx context.Context, t Task) (bool, error) {
	h, ok := d.handler(t.Kind)
	if !ok {
		slog.Error("outbox task has no handler", "task_id", t.ID, "kind", t.Kind)
		return false, d.store.Fail(ctx, t.ID, "no handler for kind "+t.Kind, d.now().UTC(), true)
	}

	if err := h(ctx, t); err != nil {
		dead := t.Attempts >= d.maxAttempts
		next := d.now().UTC().Add(Backoff(t.Attempts))
		slog.Warn("outbox task failed",
			"task_id", t.ID,
			"kind", t.Kind,
			"attempt", t.Attempts,
			"dead", dead,
			"error", err,
		)
		return false, d.store.Fail(ctx, t.ID, err.Error(), next, dead)
	}

	return true, d.store.Complete(ctx, t.ID, d.now().UTC())
}
