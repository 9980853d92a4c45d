package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/secrets"
)

// RequestLogger logs each request with its id, status, and duration.
// Server errors are raised to warning so they surface without debug
// logging enabled.
func RequestLogger(service string) func(http.Handler) http.Handler {
	logger := log.WithComponent(service)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			event := logger.Debug()
			if ww.Status() >= 500 {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// Metrics records request counts and latency per matched route
func Metrics(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			metrics.HTTPRequestsTotal.WithLabelValues(service, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(service, route).Observe(time.Since(start).Seconds())
		})
	}
}

// APIKeyAuth rejects requests whose key matches neither credential
// slot. The slot is fetched per request so rotations apply without a
// restart; an empty slot fails closed.
func APIKeyAuth(keys func() secrets.TwoSlot) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slot := keys()
			provided := r.Header.Get(HeaderAPIKey)
			if slot.Current == "" || provided == "" || !slot.Matches(provided) {
				RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
