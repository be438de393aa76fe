// Package http provides the HTTP adapter exposing the task queue and
// event bus to workers and UIs.
package http

import (
	"net/http"
	"strconv"
	"time"

	pdotel "github.com/prospectd/prospectd/internal/adapter/otel"
	"github.com/prospectd/prospectd/internal/domain/event"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/eventbus"
	"github.com/prospectd/prospectd/internal/service"
)

// Handlers holds service dependencies for all HTTP handlers.
type Handlers struct {
	queue       *service.Queue
	bus         *eventbus.Bus
	metrics     *pdotel.Metrics
	pollTimeout time.Duration
}

// NewHandlers creates the handler set. pollTimeout is the poll wait used
// when the request carries no timeout_ms parameter; zero or negative
// falls back to the bus default.
func NewHandlers(queue *service.Queue, bus *eventbus.Bus, pollTimeout time.Duration) *Handlers {
	if pollTimeout <= 0 {
		pollTimeout = eventbus.DefaultPollTimeout
	}
	return &Handlers{queue: queue, bus: bus, pollTimeout: pollTimeout}
}

// WithMetrics attaches metric instruments. Nil metrics are skipped.
func (h *Handlers) WithMetrics(m *pdotel.Metrics) *Handlers {
	h.metrics = m
	return h
}

// -----------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------

type createTaskResponse struct {
	AlreadyExists bool       `json:"already_exists"`
	Task          *task.Task `json:"task"`
}

// CreateTask enqueues a task. Duplicate keys are reported, not errors.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateRequest](w, r)
	if !ok {
		return
	}

	t, created, err := h.queue.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, createTaskResponse{AlreadyExists: !created, Task: t})
}

// ListTasks returns tasks oldest-first, optionally filtered.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeStale, _ := strconv.ParseBool(q.Get("include_stale"))

	tasks, err := h.queue.List(r.Context(), service.Filter{
		Type:         task.Type(q.Get("type")),
		Status:       task.Status(q.Get("status")),
		IncludeStale: includeStale,
	})
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// GetTask returns a single task by record name.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Get(r.Context(), urlParam(r, "name"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimTask attempts an exclusive claim. Losing a claim race returns
// 409 with the current claimant; callers should move to another task.
func (h *Handlers) ClaimTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[claimRequest](w, r)
	if !ok {
		return
	}

	t, err := h.queue.Claim(r.Context(), urlParam(r, "name"), req.WorkerID)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ReleaseTask returns the task to pending. Any caller may release.
func (h *Handlers) ReleaseTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Release(r.Context(), urlParam(r, "name"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CompleteTask deletes the record, marking the work done.
func (h *Handlers) CompleteTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Complete(r.Context(), urlParam(r, "name"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// -----------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------

type emitRequest struct {
	Type    event.Type `json:"type"`
	Payload any        `json:"payload,omitempty"`
}

// EmitEvent publishes an event on behalf of an external producer.
func (h *Handlers) EmitEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[emitRequest](w, r)
	if !ok {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ev := h.bus.Emit(r.Context(), req.Type, payload)
	writeJSON(w, http.StatusAccepted, ev)
}

// ListEvents returns recent events newest-first from the bounded log.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	events := h.bus.List(eventbus.ListFilter{
		Since: since,
		Type:  event.Type(q.Get("type")),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// -----------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------

// Subscribe registers interest in a set of event types.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[eventbus.SubscribeRequest](w, r)
	if !ok {
		return
	}

	sub, err := h.bus.Subscribe(req)
	if err != nil {
		writeDomainError(w, err, "subscription not found")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe removes a subscription, resolving any pending poll.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.bus.Unsubscribe(urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PollSubscription suspends until a matching event or the timeout.
// Timing out returns an empty event list with 200, not an error.
func (h *Handlers) PollSubscription(w http.ResponseWriter, r *http.Request) {
	timeout := h.pollTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "timeout_ms must be a non-negative integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	start := time.Now()
	events, err := h.bus.Poll(r.Context(), urlParam(r, "id"), timeout)
	if h.metrics != nil {
		h.metrics.PollDuration.Record(r.Context(), time.Since(start).Seconds())
	}
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing useful to write.
			return
		}
		writeDomainError(w, err, "subscription not found")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
