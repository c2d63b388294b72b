package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/autopost/internal/api/middleware"
	"github.com/kiranshivaraju/autopost/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth          *mw.Auth
	RateLimit     *mw.RateLimit
	TriggerSecret string

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	DispatchTrigger http.HandlerFunc
	MonitorTrigger  http.HandlerFunc
	ReportTrigger   http.HandlerFunc

	CreateJobs   http.HandlerFunc
	ListJobs     http.HandlerFunc
	CancelJobs   http.HandlerFunc
	CompleteJobs http.HandlerFunc

	SaveConnection   http.HandlerFunc
	Disconnect       http.HandlerFunc
	ConnectionStatus http.HandlerFunc

	RunNow           http.HandlerFunc
	LastDispatch     http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Time-based triggers, shared secret
	r.Group(func(r chi.Router) {
		r.Use(mw.TriggerSecret(deps.TriggerSecret))

		r.Get("/api/v1/cron/dispatch", orNotImplemented(deps.DispatchTrigger))
		r.Post("/api/v1/cron/dispatch", orNotImplemented(deps.DispatchTrigger))
		r.Get("/api/v1/cron/monitor", orNotImplemented(deps.MonitorTrigger))
		r.Post("/api/v1/cron/monitor", orNotImplemented(deps.MonitorTrigger))
		r.Post("/api/v1/cron/report", orNotImplemented(deps.ReportTrigger))
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobs))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Post("/api/v1/jobs/cancel", orNotImplemented(deps.CancelJobs))
		r.Post("/api/v1/jobs/complete", orNotImplemented(deps.CompleteJobs))

		r.Post("/api/v1/connections", orNotImplemented(deps.SaveConnection))
		r.Post("/api/v1/connections/disconnect", orNotImplemented(deps.Disconnect))
		r.Get("/api/v1/connections/{ownerID}/{platform}", orNotImplemented(deps.ConnectionStatus))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/admin/run-now", orNotImplemented(deps.RunNow))
			r.Get("/api/v1/admin/dispatch/last", orNotImplemented(deps.LastDispatch))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
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
