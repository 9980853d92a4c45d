/*
Package api provides the HTTP plumbing shared by every service
surface: router construction, middleware, JSON helpers, the health
endpoints, and graceful server lifecycle.

The ingestor, the admin API, and every worker's ops listener are chi
routers built here, so request ids, logging, panic recovery, and
metrics behave identically across services.

# Architecture

	┌────────────────────── chi router ──────────────────────┐
	│ RequestID → RealIP → RequestLogger → Recoverer →       │
	│ Metrics → [CORS] → [APIKeyAuth] → handlers             │
	└────────────────────────────────────────────────────────┘
	          │                              │
	          ▼                              ▼
	   /health  /ready  /metrics      service routes

# Core Components

  - NewRouter: chi router with the standard middleware stack
  - RequestLogger: structured request log, server errors raised to
    warning
  - Metrics: request count and latency per matched route pattern
  - APIKeyAuth: rejects keys matching neither credential slot
  - RespondJSON, RespondError: the one JSON response shape
  - DecodeJSON: strict body decoding with a size cap
  - HealthServer: liveness and readiness endpoints
  - Server: http.Server with sane timeouts and graceful Shutdown

# Authentication

APIKeyAuth reads the X-API-Key header and matches it against a
two-slot credential. The slot is fetched per request so rotations
apply without a restart; an empty slot fails closed. The ingestor and
admin API mount it, ops listeners do not.

# Request Decoding

DecodeJSON is strict: unknown fields, trailing data, and bodies over
the caller's limit are all rejected. Oversized bodies surface as
ErrBodyTooLarge so handlers can answer 413 instead of a generic 400.

# Health Endpoints

HealthServer serves /health, /ready, and /metrics. Both health
routes run the registered dependency checkers and answer 503 while
any dependency is unreachable; /ready additionally reports the
per-check breakdown in the body.

Services with their own router mount Handler() on it; workers run a
standalone ops listener instead.

# Usage

Building a service surface:

	r := api.NewRouter("admin", api.WithCORS())
	r.Route("/api/v2", func(r chi.Router) {
		r.Use(api.APIKeyAuth(keys))
		r.Post("/rules", s.createRule)
	})

Strict decoding in a handler:

	var req CreateRuleRequest
	if err := api.DecodeJSON(w, r, 1<<20, &req); err != nil {
		if errors.Is(err, api.ErrBodyTooLarge) {
			api.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

Serving with graceful shutdown:

	srv := api.NewServer(":8080", r)
	go func() { errCh <- srv.Start() }()
	...
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

# Shared Headers

Every HTTP surface uses the same header names:

	X-API-Key       credential for APIKeyAuth
	X-MUTT-Actor    who performed an admin mutation
	X-MUTT-Reason   why, recorded in the audit trail

# Integration Points

This package integrates with:

  - pkg/ingestor, pkg/admin: build their routers and auth here
  - pkg/alerter, pkg/forwarder, pkg/remediator: expose ops routes
    through NewRouter
  - pkg/health: readiness endpoints run its checkers
  - pkg/secrets: APIKeyAuth verifies against TwoSlot
  - pkg/metrics: the Metrics middleware records HTTP series

# Thread Safety

All helpers and middleware are safe for concurrent use. Server may be
started once; Shutdown is safe to call from another goroutine.

# See Also

  - pkg/health for the checker implementations behind /readyz
  - pkg/client for the typed consumer of these surfaces
*/
package api
