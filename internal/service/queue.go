// Package service implements the application services coordinating
// domain logic across ports and the event bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	pdotel "github.com/prospectd/prospectd/internal/adapter/otel"
	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/event"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/eventbus"
	"github.com/prospectd/prospectd/internal/port/taskstore"
)

// Queue coordinates task records between producers and external workers.
// Workers claim exclusively, then either complete (deleting the record)
// or crash, after which the staleness threshold lets another worker
// reclaim the abandoned work.
type Queue struct {
	store      taskstore.Store
	bus        *eventbus.Bus
	staleAfter time.Duration
	log        *slog.Logger
	metrics    *pdotel.Metrics
	now        func() time.Time
}

// NewQueue creates the queue service. A non-positive staleAfter falls
// back to task.DefaultStaleAfter.
func NewQueue(store taskstore.Store, bus *eventbus.Bus, staleAfter time.Duration, log *slog.Logger) *Queue {
	if staleAfter <= 0 {
		staleAfter = task.DefaultStaleAfter
	}
	return &Queue{
		store:      store,
		bus:        bus,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// WithMetrics attaches metric instruments. Nil metrics are skipped, so
// tests can run without an exporter.
func (q *Queue) WithMetrics(m *pdotel.Metrics) *Queue {
	q.metrics = m
	return q
}

// CreateRequest describes a task to enqueue. Key is the subject
// identifier; it is slugged into the deterministic record name.
type CreateRequest struct {
	Type    task.Type       `json:"type"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// taskEventPayload is the body attached to task lifecycle events.
type taskEventPayload struct {
	Type      task.Type `json:"type"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
}

// Create enqueues a task. Creation is idempotent on the deterministic
// name: a duplicate returns the existing record with created=false and
// emits nothing.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*task.Task, bool, error) {
	if !req.Type.Valid() {
		return nil, false, fmt.Errorf("task type %q: %w", req.Type, domain.ErrInvalidInput)
	}
	if task.Slug(req.Key) == "" {
		return nil, false, fmt.Errorf("task key %q: %w", req.Key, domain.ErrInvalidInput)
	}

	t := task.New(req.Type, req.Key, req.Payload, q.now())
	created, err := q.store.CreateIfAbsent(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("create task %s: %w", t.Name(), err)
	}
	if !created {
		existing, err := q.store.Get(ctx, t.Name())
		if err != nil {
			return nil, false, fmt.Errorf("fetch existing task %s: %w", t.Name(), err)
		}
		q.log.Debug("task already exists", "name", t.Name())
		return existing, false, nil
	}

	q.log.Info("task created", "name", t.Name(), "type", t.Type)
	if q.metrics != nil {
		q.metrics.TasksCreated.Add(ctx, 1)
	}
	q.emit(ctx, event.TypeTaskCreated, taskEventPayload{Type: t.Type, Key: t.Key, Name: t.Name()})
	return t, true, nil
}

// Filter selects tasks from a listing. With IncludeStale set, stale
// in-progress tasks are annotated is_stale and match StatusPending;
// without it they keep their raw stored status.
type Filter struct {
	Type         task.Type
	Status       task.Status
	IncludeStale bool
}

// List returns tasks oldest-first. Staleness is computed lazily here,
// never repaired: the record only changes when a worker claims or
// releases it.
func (q *Queue) List(ctx context.Context, f Filter) ([]task.Listed, error) {
	tasks, err := q.store.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}

	now := q.now()
	out := make([]task.Listed, 0, len(tasks))
	for _, t := range tasks {
		l := task.Listed{Task: t}
		if f.IncludeStale {
			l.IsStale = t.Stale(q.staleAfter, now)
		}
		if f.Type != "" && l.Type != f.Type {
			continue
		}
		if f.Status != "" && l.EffectiveStatus() != f.Status {
			continue
		}
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a single task annotated with staleness.
func (q *Queue) Get(ctx context.Context, name string) (*task.Listed, error) {
	t, err := q.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return &task.Listed{Task: *t, IsStale: t.Stale(q.staleAfter, q.now())}, nil
}

// Claim attempts an exclusive claim on the named task for workerID.
// A fresh existing claim fails with *taskstore.ClaimConflictError.
func (q *Queue) Claim(ctx context.Context, name, workerID string) (*task.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required: %w", domain.ErrInvalidInput)
	}

	t, err := q.store.Claim(ctx, name, workerID, q.staleAfter)
	if err != nil {
		if q.metrics != nil && errors.Is(err, domain.ErrAlreadyClaimed) {
			q.metrics.ClaimConflicts.Add(ctx, 1)
		}
		return nil, err
	}

	q.log.Info("task claimed", "name", name, "worker", workerID)
	if q.metrics != nil {
		q.metrics.TasksClaimed.Add(ctx, 1)
	}
	q.emit(ctx, event.TypeTaskClaimed, taskEventPayload{Type: t.Type, Key: t.Key, Name: name, ClaimedBy: workerID})
	return t, nil
}

// Release returns the task to pending without completing it, clearing
// the claim so another worker can pick it up immediately.
func (q *Queue) Release(ctx context.Context, name string) (*task.Task, error) {
	t, err := q.store.Release(ctx, name)
	if err != nil {
		return nil, err
	}
	q.log.Info("task released", "name", name)
	return t, nil
}

// Complete deletes the task record and emits task.completed. Deletion
// is the completion marker: the queue holds outstanding work only.
func (q *Queue) Complete(ctx context.Context, name string) (*task.Task, error) {
	t, err := q.store.Delete(ctx, name)
	if err != nil {
		return nil, err
	}

	q.log.Info("task completed", "name", name, "type", t.Type)
	if q.metrics != nil {
		q.metrics.TasksCompleted.Add(ctx, 1)
	}
	q.emit(ctx, event.TypeTaskCompleted, taskEventPayload{Type: t.Type, Key: t.Key, Name: name, ClaimedBy: t.ClaimedBy})
	return t, nil
}

func (q *Queue) emit(ctx context.Context, typ event.Type, payload taskEventPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		q.log.Error("marshal event payload", "type", typ, "error", err)
		return
	}
	q.bus.Emit(ctx, typ, body)
}
