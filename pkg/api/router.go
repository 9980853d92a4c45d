package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spiretel/mutt/pkg/log"
)

// Request headers shared by every HTTP surface
const (
	HeaderAPIKey = "X-API-Key"
	HeaderActor  = "X-MUTT-Actor"
	HeaderReason = "X-MUTT-Reason"
)

// RouterOption configures a router at construction
type RouterOption func(*chi.Mux)

// NewRouter creates a chi router with the standard middleware stack:
// request ids, real client ips, logging, panic recovery, and metrics.
func NewRouter(service string, opts ...RouterOption) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(service))
	r.Use(middleware.Recoverer)
	r.Use(Metrics(service))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithCORS allows browser clients, used by the admin API
func WithCORS() RouterOption {
	return func(r *chi.Mux) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", HeaderAPIKey, HeaderActor, HeaderReason},
			MaxAge:         300,
		}))
	}
}

// ErrorResponse is the JSON body for every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes a JSON response
func RespondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
	}
}

// RespondError writes a JSON error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// ErrBodyTooLarge marks a request body over the configured limit
var ErrBodyTooLarge = errors.New("request body too large")

// DecodeJSON decodes a request body strictly: unknown fields, trailing
// data, and oversized bodies are all rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: unexpected trailing data")
	}
	return nil
}
