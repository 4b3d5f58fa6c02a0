package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestRecorder observes served requests.
type RequestRecorder interface {
	RecordRequest(method, route string, status int, duration time.Duration)
}

// Logger returns a structured logging middleware. Requests are also
// reported to recorder, labeled by their route pattern, when it is set.
func Logger(recorder RequestRecorder) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() { //nolint:contextcheck // Logging in defer uses request context captured at start
				duration := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				level := slog.LevelInfo
				if status >= 500 {
					level = slog.LevelError
				} else if status >= 400 {
					level = slog.LevelWarn
				}

				logger.Log(r.Context(), level, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"duration_ms", duration.Milliseconds(),
					"bytes", ww.BytesWritten(),
					"request_id", chimw.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)

				if recorder != nil {
					recorder.RecordRequest(r.Method, routePattern(r), status, duration)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern keeps metric labels bounded for unmatched paths.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
