package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prospectd/prospectd/internal/domain/event"
)

// webhookDelivery is the body POSTed to webhook subscribers.
type webhookDelivery struct {
	SubscriptionID string      `json:"subscription_id"`
	CallbackID     string      `json:"callback_id,omitempty"`
	Event          event.Event `json:"event"`
}

// postWebhook delivers ev to a webhook subscriber. Delivery is
// best-effort: failures are logged and never retried or surfaced to the
// emitting caller.
func (b *Bus) postWebhook(subID, callbackID, url string, ev event.Event) {
	body, err := json.Marshal(webhookDelivery{
		SubscriptionID: subID,
		CallbackID:     callbackID,
		Event:          ev,
	})
	if err != nil {
		slog.Error("marshal webhook delivery", "subscription_id", subID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("build webhook request", "subscription_id", subID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "subscription_id", subID, "url", url, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("webhook delivery rejected", "subscription_id", subID, "url", url, "status", resp.StatusCode)
	}
}
