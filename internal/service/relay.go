package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/prospectd/prospectd/internal/domain/event"
	"github.com/prospectd/prospectd/internal/eventbus"
	"github.com/prospectd/prospectd/internal/port/messagequeue"
)

// Relay bridges the process-local event bus to the message queue so
// that subscribers in one process see events emitted in another. Local
// emits are published to "events.<type>"; events arriving from other
// processes are injected into the local bus. Each relay tags its
// publications with an origin id and drops its own on the way back in.
type Relay struct {
	origin string
	bus    *eventbus.Bus
	queue  messagequeue.Queue
	log    *slog.Logger
	cancel func()
}

// envelope wraps a relayed event with its origin process.
type envelope struct {
	Origin string      `json:"origin"`
	Event  event.Event `json:"event"`
}

// NewRelay wires bus and queue together. Call Start to begin relaying
// and Stop to detach.
func NewRelay(bus *eventbus.Bus, queue messagequeue.Queue, log *slog.Logger) *Relay {
	return &Relay{
		origin: uuid.NewString(),
		bus:    bus,
		queue:  queue,
		log:    log,
	}
}

// Start hooks into the bus and subscribes to relayed events from other
// processes. Must be called before the bus starts serving emits.
func (r *Relay) Start(ctx context.Context) error {
	cancel, err := r.queue.Subscribe(ctx, messagequeue.SubjectEventsAll, r.receive)
	if err != nil {
		return fmt.Errorf("subscribe event relay: %w", err)
	}
	r.cancel = cancel

	r.bus.NotifyLocal(func(ev event.Event) {
		r.publish(ctx, ev)
	})

	r.log.Info("event relay started", "origin", r.origin)
	return nil
}

// Stop cancels the inbound subscription. Outbound hooks become no-ops
// once the queue is drained.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Relay) publish(ctx context.Context, ev event.Event) {
	body, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		r.log.Error("marshal relay envelope", "event_id", ev.ID, "error", err)
		return
	}
	subject := messagequeue.SubjectEventPrefix + string(ev.Type)
	if err := r.queue.Publish(ctx, subject, body); err != nil {
		r.log.Warn("relay publish failed", "subject", subject, "error", err)
	}
}

func (r *Relay) receive(_ context.Context, subject string, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode relay envelope on %s: %w", subject, err)
	}
	if env.Origin == r.origin {
		return nil
	}
	r.bus.Inject(env.Event)
	return nil
}
