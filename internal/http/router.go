package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/http/handlers"
	"github.com/iago/wa-lead-router/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.SugaredLogger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter mounts the webhook, health and /v1 admin routes. ctx bounds the
// background work owned by the middleware.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	api := deps.API

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	r.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))

	r.Get("/healthz", api.Health)
	r.Get("/readyz", api.Ready)
	r.Get("/webhooks/whatsapp", api.VerifyWebhook)
	r.Post("/webhooks/whatsapp", api.ReceiveWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.AuthToken))

		r.Post("/inbound", api.RouteInbound)

		r.Post("/leads/{leadID}/distribution", api.EnsureDistribution)
		r.Get("/leads/{leadID}/distribution", api.CycleState)
		r.Post("/leads/{leadID}/ack", api.Acknowledge)

		r.Post("/distribution/sweep", api.Sweep)
		r.Post("/distribution/stop-all", api.StopAll)
		r.Get("/queue", api.Queue)

		r.Get("/settings", api.GetSettings)
		r.Put("/settings", api.UpdateSettings)

		r.Post("/broadcasts", api.StartBroadcast)
		r.Post("/broadcasts/stop", api.StopBroadcast)
		r.Get("/broadcasts/status", api.BroadcastStatus)
		r.Get("/broadcasts/{jobID}/deliveries", api.BroadcastDeliveries)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}
