// Package api builds the HTTP surface: routing, middleware and handlers.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/middleware"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJobHandler http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	WatchJobHandler  http.HandlerFunc
	CancelJobHandler http.HandlerFunc

	NotificationsHandler http.HandlerFunc

	// WebsocketHandler upgrades GET /api/v1/ws. Authentication happens in
	// band on the socket, so it sits outside the API-key middleware.
	WebsocketHandler http.HandlerFunc

	ListJobsHandler      http.HandlerFunc
	RetryJobHandler      http.HandlerFunc
	RestartJobHandler    http.HandlerFunc
	DeleteJobHandler     http.HandlerFunc
	PrioritizeJobHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Websocket gateway authenticates over the socket itself.
	r.Get("/api/v1/ws", orNotImplemented(deps.WebsocketHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}/watch", orNotImplemented(deps.WatchJobHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))

		r.Get("/api/v1/notifications", orNotImplemented(deps.NotificationsHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Get("/api/v1/admin/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Post("/api/v1/admin/jobs/{jobID}/retry", orNotImplemented(deps.RetryJobHandler))
			r.Post("/api/v1/admin/jobs/{jobID}/restart", orNotImplemented(deps.RestartJobHandler))
			r.Post("/api/v1/admin/jobs/{jobID}/prioritize", orNotImplemented(deps.PrioritizeJobHandler))
			r.Delete("/api/v1/admin/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
