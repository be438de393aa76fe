package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/prospectd/prospectd/internal/adapter/fsstore"
	pdhttp "github.com/prospectd/prospectd/internal/adapter/http"
	pdnats "github.com/prospectd/prospectd/internal/adapter/nats"
	"github.com/prospectd/prospectd/internal/adapter/natskv"
	pdotel "github.com/prospectd/prospectd/internal/adapter/otel"
	"github.com/prospectd/prospectd/internal/adapter/postgres"
	"github.com/prospectd/prospectd/internal/adapter/ws"
	"github.com/prospectd/prospectd/internal/config"
	"github.com/prospectd/prospectd/internal/domain/event"
	"github.com/prospectd/prospectd/internal/eventbus"
	"github.com/prospectd/prospectd/internal/logger"
	"github.com/prospectd/prospectd/internal/middleware"
	"github.com/prospectd/prospectd/internal/port/taskstore"
	"github.com/prospectd/prospectd/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store_backend", cfg.Store.Backend,
		"stale_after", cfg.Queue.StaleAfter,
	)

	ctx := context.Background()

	// --- Event bus ---
	bus := eventbus.New(eventbus.Config{
		Retention:      cfg.Bus.Retention,
		MaxEvents:      cfg.Bus.MaxEvents,
		WebhookTimeout: cfg.Bus.WebhookTimeout,
	})

	// --- NATS (task store backend and/or cross-process relay) ---
	var queue *pdnats.Queue
	if cfg.Store.Backend == "nats" || cfg.NATS.Relay {
		queue, err = pdnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
	}

	// --- Task store ---
	store, err := buildStore(ctx, cfg, queue)
	if err != nil {
		return err
	}
	slog.Info("task store ready", "backend", cfg.Store.Backend)

	// --- Metrics ---
	metrics, err := pdotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	bus.Notify(func(event.Event) {
		metrics.EventsEmitted.Add(ctx, 1)
	})

	// --- Services ---
	queueSvc := service.NewQueue(store, bus, cfg.Queue.StaleAfter, log).WithMetrics(metrics)

	if cfg.NATS.Relay {
		relay := service.NewRelay(bus, queue, log)
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		defer relay.Stop()
	}

	hub := ws.NewHub()
	hub.AttachBus(bus)

	// --- HTTP ---
	handlers := pdhttp.NewHandlers(queueSvc, bus, cfg.Bus.PollTimeout).WithMetrics(metrics)

	r := chi.NewRouter()
	r.Use(pdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(pdhttp.SecurityHeaders)
	// RequestID must run before Logger so the log line sees the id.
	r.Use(middleware.RequestID)
	r.Use(pdhttp.Logger)
	r.Use(pdotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	// Long-polls must outlive the default request timeout.
	r.Use(chimw.Timeout(cfg.Bus.PollTimeout + 30*time.Second))

	r.Get("/health", healthHandler(cfg, queue))
	r.Get("/ws", hub.HandleWS)
	pdhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Bus.PollTimeout + 60*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildStore constructs the configured task store backend.
func buildStore(ctx context.Context, cfg *config.Config, queue *pdnats.Queue) (taskstore.Store, error) {
	switch cfg.Store.Backend {
	case "fs":
		store, err := fsstore.New(cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("fsstore: %w", err)
		}
		return store, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return postgres.NewStore(pool), nil

	case "nats":
		store, err := natskv.Bucket(ctx, queue.JetStream(), cfg.Store.Bucket)
		if err != nil {
			return nil, fmt.Errorf("natskv: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// healthHandler reports process health and backend connectivity.
func healthHandler(cfg *config.Config, queue *pdnats.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
		NATS    string `json:"nats,omitempty"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:  "ok",
			Backend: cfg.Store.Backend,
		}
		if queue != nil {
			status.NATS = "connected"
			if !queue.IsConnected() {
				status.NATS = "disconnected"
				status.Status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
