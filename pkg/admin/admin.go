package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/breaker"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/secrets"
	"github.com/spiretel/mutt/pkg/slo"
	"github.com/spiretel/mutt/pkg/store"
)

const (
	// maxBodyBytes admits a full bulk rules apply with room to spare
	maxBodyBytes = 256 << 10

	// partitionInterval runs audit partition maintenance daily; the
	// routine is idempotent so overlap with other instances is harmless.
	partitionInterval = 24 * time.Hour

	maintenanceTimeout = time.Minute

	// anonymousActor is recorded on audit rows when the caller sent no
	// actor header.
	anonymousActor = "api-key"
)

// Config holds the admin service dependencies
type Config struct {
	Store  store.Store
	Queue  *queue.Client
	Config *config.Client
	Keys   func() secrets.TwoSlot
}

// Service is the configuration surface: rules, host classifications,
// dynamic config, audit queries, SLO reporting, and queue operations.
// Every mutation writes its audit row transactionally and publishes a
// change notification so pipeline caches converge.
type Service struct {
	store   store.Store
	queue   *queue.Client
	config  *config.Client
	keys    func() secrets.TwoSlot
	breaker *breaker.Breaker
	slo     *slo.Recorder
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the admin service
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if cfg.Config == nil {
		return nil, errors.New("config client is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("api key source is required")
	}

	return &Service{
		store:  cfg.Store,
		queue:  cfg.Queue,
		config: cfg.Config,
		keys:   cfg.Keys,
		// Breaker state lives in the substrate, so the admin view reads
		// the same circuit the deliverers drive.
		breaker: breaker.New(cfg.Queue),
		slo:     slo.NewRecorder(cfg.Queue),
		logger:  log.WithComponent("admin"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Router returns the full admin HTTP surface with ops endpoints on the
// same listener.
func (s *Service) Router() *chi.Mux {
	r := api.NewRouter("admin", api.WithCORS())

	ops := api.NewHealthServer("admin", map[string]health.Checker{
		"queue":    health.NewQueueChecker(s.queue),
		"database": health.NewDatabaseChecker(s.store),
	})
	r.Handle("/health", ops.Handler())
	r.Handle("/ready", ops.Handler())
	r.Handle("/metrics", ops.Handler())

	r.Group(func(r chi.Router) {
		r.Use(api.APIKeyAuth(s.keys))

		r.Route("/api/v2", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Post("/bulk", s.handleBulkRules)
				r.Get("/{id}", s.handleGetRule)
				r.Put("/{id}", s.handleUpdateRule)
				r.Delete("/{id}", s.handleDeleteRule)
			})
			r.Route("/dev-hosts", func(r chi.Router) {
				r.Get("/", s.handleListDevHosts)
				r.Post("/", s.handleAddDevHost)
				r.Delete("/{hostname}", s.handleRemoveDevHost)
			})
			r.Route("/teams", func(r chi.Router) {
				r.Get("/", s.handleListTeams)
				r.Post("/", s.handleCreateTeam)
				r.Get("/{hostname}", s.handleGetTeam)
				r.Put("/{hostname}", s.handlePutTeam)
				r.Delete("/{hostname}", s.handleDeleteTeam)
			})
			r.Get("/audit-logs", s.handleConfigAudit)
			r.Get("/event-audit", s.handleEventAudit)
			r.Get("/queues", s.handleQueues)
			r.Route("/quarantine", func(r chi.Router) {
				r.Get("/", s.handleListQuarantine)
				r.Post("/requeue", s.handleRequeueQuarantine)
				r.Delete("/", s.handlePurgeQuarantine)
			})
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/config", s.handleListConfig)
			r.Get("/config/{key}", s.handleGetConfig)
			r.Put("/config/{key}", s.handlePutConfig)
			r.Get("/slo", s.handleSLO)
		})
	})

	return r
}

// Start launches background audit partition maintenance
func (s *Service) Start() {
	s.logger.Info().Msg("admin service started")
	go s.maintain()
}

// Stop halts maintenance and waits for an in-flight run to finish
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) maintain() {
	defer close(s.doneCh)

	s.ensurePartitions()

	for {
		select {
		case <-time.After(partitionInterval):
			s.ensurePartitions()
		case <-s.stopCh:
			return
		}
	}
}

// ensurePartitions keeps the current and next monthly audit partitions
// present and drops those past retention.
func (s *Service) ensurePartitions() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if err := s.store.EnsureAuditPartitions(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to ensure audit partitions")
		return
	}
	if _, err := s.store.PruneExpiredAudit(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to prune expired audit partitions")
	}
}

// requestMeta builds the audit attribution for a mutation from request
// headers and the request id.
func requestMeta(r *http.Request) store.Meta {
	actor := r.Header.Get(api.HeaderActor)
	if actor == "" {
		actor = anonymousActor
	}
	return store.Meta{
		Actor:         actor,
		Reason:        r.Header.Get(api.HeaderReason),
		CorrelationID: middleware.GetReqID(r.Context()),
	}
}

// respondStoreError maps store failures onto HTTP statuses
func (s *Service) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrProtectedRule):
		api.RespondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("store operation failed")
		api.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

// notify publishes a change notification. The mutation is already
// durable, so a publish failure only logs: caches still converge when
// their TTL expires.
func (s *Service) notify(ctx context.Context, event *events.Event) {
	if err := s.queue.Publish(ctx, queue.ConfigUpdatesTopic, event.Notification()); err != nil {
		s.logger.Warn().Err(err).
			Str("type", string(event.Type)).
			Msg("failed to publish change notification")
	}
}

// decodeBody decodes and rejects in one step, answering the client on
// failure. Handlers bail out when it returns false.
func (s *Service) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := api.DecodeJSON(w, r, maxBodyBytes, dst); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, api.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		api.RespondError(w, status, err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}
