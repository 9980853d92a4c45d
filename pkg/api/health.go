package api

import (
	"context"
	"net/http"
	"time"

	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/metrics"
)

// HealthServer provides the health, readiness, and metrics endpoints
// every MUTT process exposes on its ops port.
type HealthServer struct {
	service string
	checks  map[string]health.Checker
	mux     *http.ServeMux
	server  *Server
}

// NewHealthServer creates a health server. Both endpoints run the given
// checks and answer 503 while any dependency is unreachable; readiness
// additionally reports the per-check breakdown.
func NewHealthServer(service string, checks map[string]health.Checker) *HealthServer {
	hs := &HealthServer{
		service: service,
		checks:  checks,
		mux:     http.NewServeMux(),
	}

	hs.mux.HandleFunc("/health", hs.healthHandler)
	hs.mux.HandleFunc("/ready", hs.readyHandler)
	hs.mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves the ops endpoints until Shutdown
func (hs *HealthServer) Start(addr string) error {
	hs.server = NewServer(addr, hs.mux)
	return hs.server.Start()
}

// Shutdown stops the ops server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// Handler returns the mux for embedding in another server
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// HealthResponse represents the liveness response
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		RespondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !hs.runChecks(r.Context(), nil) {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	RespondJSON(w, statusCode, HealthResponse{
		Status:    status,
		Service:   hs.service,
		Timestamp: time.Now(),
	})
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		RespondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	results := make(map[string]string, len(hs.checks))
	var message string
	ready := hs.runChecks(r.Context(), func(name string, result health.Result) {
		results[name] = result.Message
		if !result.Healthy && message == "" {
			message = name + " is not ready"
		}
	})

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	RespondJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    results,
		Message:   message,
	})
}

// runChecks runs every configured check, invoking observe per result
// when given. Returns false if any check failed.
func (hs *HealthServer) runChecks(ctx context.Context, observe func(string, health.Result)) bool {
	healthy := true
	for name, checker := range hs.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		result := checker.Check(checkCtx)
		cancel()

		if observe != nil {
			observe(name, result)
		}
		if !result.Healthy {
			healthy = false
		}
	}
	return healthy
}
