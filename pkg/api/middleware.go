package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/metrics"
)

// requestLogger logs each request's method, path, status and latency, and
// records it to the API metrics.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			timer := metrics.NewTimer()

			next.ServeHTTP(ww, r)

			route := routeLabel(r)
			status := ww.Status()
			timer.ObserveDurationVec(metrics.APIRequestDuration, route)
			metrics.APIRequestsTotal.WithLabelValues(route, statusClass(status)).Inc()

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", timer.Duration()).
				Msg("api request")
		})
	}
}

// routeLabel returns the matched chi route pattern (e.g. "/job/{token}")
// rather than the literal path, so the duration/count metrics don't grow
// one series per token or map ID.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// requireAdmin gates a route behind HTTP Basic auth checked against auth.
func requireAdmin(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !auth.Authenticate(user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="laps"`)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "admin credentials required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds every request's handling time as a backstop
// against a handler that forgets to respect ctx cancellation.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}
