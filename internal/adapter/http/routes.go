package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Task queue
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{name}", h.GetTask)
		r.Post("/tasks/{name}/claim", h.ClaimTask)
		r.Post("/tasks/{name}/release", h.ReleaseTask)
		r.Post("/tasks/{name}/complete", h.CompleteTask)

		// Event bus
		r.Post("/events", h.EmitEvent)
		r.Get("/events", h.ListEvents)
		r.Post("/subscriptions", h.Subscribe)
		r.Delete("/subscriptions/{id}", h.Unsubscribe)
		r.Get("/subscriptions/{id}/poll", h.PollSubscription)
	})
}
