package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fleet/internal/middleware"
)

type RouterDeps struct {
	Workers   *WorkerHandler
	Leases    *LeaseHandler
	Commands  *CommandHandler
	Events    *EventHandler
	Admin     *AdminHandler
	RateLimit *middleware.RateLimitMiddleware

	DB    *sql.DB
	Redis *redis.Client
}

// NewRouter assembles the HTTP surface. The websocket channel endpoint
// skips the timeout middleware because the connection is long-lived.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	if deps.RateLimit != nil {
		r.Use(deps.RateLimit.GlobalLimiter)
	}

	r.Get("/healthz", healthz(deps.DB, deps.Redis))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Post("/workers/register", deps.Workers.Register)
			r.Post("/workers/{id}/heartbeat", deps.Workers.Heartbeat)
			r.Get("/workers/{id}/commands", deps.Commands.Poll)
			r.Post("/commands/{id}/ack", deps.Commands.Ack)

			r.Post("/cameras/{id}/acquire", deps.Leases.Acquire)
			r.Post("/cameras/{id}/release", deps.Leases.Release)
			r.Get("/cameras/{id}/lease", deps.Leases.Get)

			r.Post("/events", deps.Events.Ingest)

			r.Get("/workers", deps.Admin.ListWorkers)
			r.Get("/workers/{id}", deps.Admin.GetWorker)
			r.Delete("/workers/{id}", deps.Admin.ForceRemove)
			r.Post("/maintenance/sweep", deps.Admin.Sweep)
		})

		r.Get("/workers/{id}/channel", deps.Commands.AttachChannel)
	})

	return r
}

func healthz(db *sql.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "database": "ok", "redis": "ok"}
		code := http.StatusOK

		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				status["status"], status["database"] = "degraded", err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				// redis degrades command polling but the core API still works
				status["status"], status["redis"] = "degraded", err.Error()
			}
		}
		respondJSON(w, code, status)
	}
}
