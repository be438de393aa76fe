package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prospectd/prospectd/internal/domain/event"
	"github.com/prospectd/prospectd/internal/eventbus"
)

// AttachBus hooks the hub into the event bus so every appended event,
// local or relayed, is pushed to all connected clients.
func (h *Hub) AttachBus(bus *eventbus.Bus) {
	bus.Notify(func(ev event.Event) {
		body, err := json.Marshal(ev)
		if err != nil {
			slog.Error("marshal ws event", "event_id", ev.ID, "error", err)
			return
		}
		h.Broadcast(context.Background(), Message{
			Type:    string(ev.Type),
			Payload: body,
		})
	})
}
