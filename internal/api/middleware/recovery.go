package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/autopost/internal/api/response"
	"github.com/kiranshivaraju/autopost/internal/telemetry"
)

// Recovery turns a handler panic into a 500 envelope carrying the request id
// so an operator can find the matching log line. http.ErrAbortHandler is
// re-raised for net/http to handle.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			owner, _ := GetOwnerID(r)
			reqID := chimw.GetReqID(r.Context())

			telemetry.Panics.WithLabelValues("http").Inc()
			slog.Error("panic in handler",
				"panic", rec,
				"request_id", reqID,
				"method", r.Method,
				"route", route,
				"owner_id", owner,
				"stack", string(debug.Stack()),
			)

			var details map[string]any
			if reqID != "" {
				details = map[string]any{"request_id": reqID}
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", details)
		}()
		next.ServeHTTP(w, r)
	})
}
