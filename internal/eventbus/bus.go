// Package eventbus implements the process-scoped event bus: a bounded
// in-memory event log with long-poll and webhook delivery.
//
// The bus is a notification mechanism, not an audit trail. Events are
// retained for a bounded recent window only; consumers needing
// durability must persist them on receipt. Subscriptions live in process
// memory and drop on restart.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/event"
)

// DefaultPollTimeout is used when a poll does not specify one.
const DefaultPollTimeout = 30 * time.Second

// Config bounds the event log and webhook dispatch.
type Config struct {
	Retention      time.Duration // drop events older than this
	MaxEvents      int           // cap on log length
	WebhookTimeout time.Duration // per-POST deadline
}

// Defaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1000
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 10 * time.Second
	}
	return c
}

// SubscribeRequest registers interest in a subset of event types.
// Delivery mode is long-poll unless WebhookURL is set.
type SubscribeRequest struct {
	EventTypes []event.Type `json:"event_types"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	CallbackID string       `json:"callback_id,omitempty"`
}

// Subscription is the caller-visible view of a registered subscription.
type Subscription struct {
	ID         string       `json:"id"`
	EventTypes []event.Type `json:"event_types"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	CallbackID string       `json:"callback_id,omitempty"`
}

// ListFilter selects recent events from the bounded log.
type ListFilter struct {
	Since time.Time
	Type  event.Type
	Limit int
}

type subscription struct {
	id         string
	types      map[event.Type]struct{}
	webhookURL string
	callbackID string
	lastSeq    int64
	// waiter is the pending long-poll, nil when none. Buffered so the
	// emitter never blocks on delivery.
	waiter chan []event.Event
}

func (s *subscription) matches(t event.Type) bool {
	_, ok := s.types[t]
	return ok
}

// Bus is the event bus. Construct one per process with New and share it
// by handle; independent buses are fully isolated.
type Bus struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	seq  int64
	log  []event.Event
	subs map[string]*subscription

	notifyAll   []func(event.Event)
	notifyLocal []func(event.Event)

	now func() time.Time
}

// New creates a Bus with the given bounds.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.WebhookTimeout},
		subs:   make(map[string]*subscription),
		now:    time.Now,
	}
}

// Notify registers fn to run for every event appended to the log,
// local or injected. Register hooks before the bus starts serving.
func (b *Bus) Notify(fn func(event.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyAll = append(b.notifyAll, fn)
}

// NotifyLocal registers fn to run only for locally emitted events,
// not for events injected from another process.
func (b *Bus) NotifyLocal(fn func(event.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLocal = append(b.notifyLocal, fn)
}

// Emit constructs and publishes an event. Emission never fails: unknown
// types are logged and published anyway, and webhook errors stay with
// the dispatcher.
func (b *Bus) Emit(_ context.Context, typ event.Type, payload json.RawMessage) event.Event {
	if !typ.Valid() {
		slog.Warn("emitting unknown event type", "type", typ)
	}

	b.mu.Lock()
	b.seq++
	ev := event.New(b.seq, typ, payload, b.now())
	b.append(ev, true)
	b.mu.Unlock()
	return ev
}

// Inject publishes an event that originated in another process. The
// event gets a fresh local sequence number (cursors are process-local)
// but keeps its identity, type, timestamp, and payload.
func (b *Bus) Inject(ev event.Event) {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	b.append(ev, false)
	b.mu.Unlock()
}

// append adds ev to the log, prunes, resolves matching waiters, and
// dispatches webhooks and hooks. Callers hold b.mu.
func (b *Bus) append(ev event.Event, local bool) {
	b.log = append(b.log, ev)
	b.prune()

	for _, sub := range b.subs {
		if !sub.matches(ev.Type) {
			continue
		}
		if sub.waiter != nil {
			sub.lastSeq = ev.Seq
			sub.waiter <- []event.Event{ev}
			sub.waiter = nil
		}
		if sub.webhookURL != "" {
			go b.postWebhook(sub.id, sub.callbackID, sub.webhookURL, ev)
		}
	}

	hooks := b.notifyAll
	if local {
		hooks = append(hooks[:len(hooks):len(hooks)], b.notifyLocal...)
	}
	if len(hooks) > 0 {
		go func() {
			for _, fn := range hooks {
				fn(ev)
			}
		}()
	}
}

// prune enforces the retention window and the event count cap.
// Callers hold b.mu.
func (b *Bus) prune() {
	cutoff := b.now().Add(-b.cfg.Retention)
	drop := 0
	for drop < len(b.log) && b.log[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(b.log) - drop - b.cfg.MaxEvents; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.log = append([]event.Event(nil), b.log[drop:]...)
	}
}

// Subscribe registers a subscription for the valid subset of the
// requested types. A request with no valid type fails with
// domain.ErrInvalidInput.
func (b *Bus) Subscribe(req SubscribeRequest) (*Subscription, error) {
	var accepted []event.Type
	for _, t := range req.EventTypes {
		if t.Valid() {
			accepted = append(accepted, t)
		} else {
			slog.Warn("ignoring unknown event type on subscribe", "type", t)
		}
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("no valid event types in %v: %w", req.EventTypes, domain.ErrInvalidInput)
	}

	types := make(map[event.Type]struct{}, len(accepted))
	for _, t := range accepted {
		types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:         uuid.NewString(),
		types:      types,
		webhookURL: req.WebhookURL,
		callbackID: req.CallbackID,
		lastSeq:    b.seq,
	}
	b.subs[sub.id] = sub

	return &Subscription{
		ID:         sub.id,
		EventTypes: accepted,
		WebhookURL: sub.webhookURL,
		CallbackID: sub.callbackID,
	}, nil
}

// Unsubscribe removes the subscription and resolves any pending poll
// with an empty result so the caller is not left hanging.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	if sub.waiter != nil {
		sub.waiter <- nil
		sub.waiter = nil
	}
	delete(b.subs, id)
	return nil
}

// List returns recent events newest-first, filtered and capped.
// Events outside the retention window are unrecoverable here.
func (b *Bus) List(f ListFilter) []event.Event {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []event.Event
	for i := len(b.log) - 1; i >= 0 && len(out) < limit; i-- {
		ev := b.log[i]
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && !ev.Timestamp.After(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Poll returns events matching the subscription past its cursor,
// suspending until a matching emit or the timeout. Timing out is a
// normal outcome and yields an empty result, not an error.
func (b *Bus) Poll(ctx context.Context, id string, timeout time.Duration) ([]event.Event, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}

	if pending := b.pendingLocked(sub); len(pending) > 0 {
		sub.lastSeq = pending[len(pending)-1].Seq
		b.mu.Unlock()
		return pending, nil
	}

	// A newer poll supersedes the previous one, which resolves empty.
	if sub.waiter != nil {
		sub.waiter <- nil
	}
	ch := make(chan []event.Event, 1)
	sub.waiter = ch
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evs := <-ch:
		return evs, nil
	case <-timer.C:
		return b.takeWaiter(id, ch), nil
	case <-ctx.Done():
		b.takeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

// pendingLocked returns matching events past the cursor, oldest first.
// Callers hold b.mu.
func (b *Bus) pendingLocked(sub *subscription) []event.Event {
	var out []event.Event
	for _, ev := range b.log {
		if ev.Seq > sub.lastSeq && sub.matches(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// takeWaiter detaches ch from the subscription. If an emit consumed the
// waiter concurrently, the delivered events are returned instead of
// being lost.
func (b *Bus) takeWaiter(id string, ch chan []event.Event) []event.Event {
	b.mu.Lock()
	if sub, ok := b.subs[id]; ok && sub.waiter == ch {
		sub.waiter = nil
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case evs := <-ch:
		return evs
	default:
		return nil
	}
}
