package ingestor

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/secrets"
	"github.com/spiretel/mutt/pkg/slo"
	"github.com/spiretel/mutt/pkg/types"
)

const (
	// defaultMaxBodyBytes bounds an inbound submission; the largest legal
	// event fits well under this.
	defaultMaxBodyBytes = 64 << 10

	// retryAfterSeconds is advertised on 503 responses so well-behaved
	// producers back off instead of hammering a full queue.
	retryAfterSeconds = 10
)

// Config holds the ingest service dependencies
type Config struct {
	Queue        *queue.Client
	Config       *config.Client
	Keys         func() secrets.TwoSlot
	MaxBodyBytes int64
}

// Service accepts inbound events over HTTP, validates and enriches them,
// and enqueues them for classification. Admission is controlled by raw
// queue depth alone; the service never touches the database.
type Service struct {
	queue   *queue.Client
	config  *config.Client
	keys    func() secrets.TwoSlot
	slo     *slo.Recorder
	maxBody int64
	logger  zerolog.Logger
}

// New creates the ingest service
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if cfg.Config == nil {
		return nil, errors.New("config client is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("api key source is required")
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	return &Service{
		queue:   cfg.Queue,
		config:  cfg.Config,
		keys:    cfg.Keys,
		slo:     slo.NewRecorder(cfg.Queue),
		maxBody: maxBody,
		logger:  log.WithComponent("ingestor"),
	}, nil
}

// Router returns the service's HTTP surface: the ingest endpoint plus
// health and metrics on the same listener.
func (s *Service) Router() *chi.Mux {
	r := api.NewRouter("ingestor")
	r.Post("/api/v2/ingest", s.handleIngest)

	ops := api.NewHealthServer("ingestor", map[string]health.Checker{
		"queue": health.NewQueueChecker(s.queue),
	})
	r.Handle("/health", ops.Handler())
	r.Handle("/ready", ops.Handler())
	r.Handle("/metrics", ops.Handler())

	return r
}

// AcceptResponse is the 202 body for an admitted event
type AcceptResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	if !s.authorized(r) {
		s.reject(w, http.StatusUnauthorized, "auth", "unauthorized")
		return
	}

	var event types.Event
	if err := api.DecodeJSON(w, r, s.maxBody, &event); err != nil {
		if errors.Is(err, api.ErrBodyTooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		s.reject(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := types.ValidateEvent(&event); err != nil {
		s.reject(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	env := types.NewEnvelope(event)

	// Admission control: a full raw queue means the pipeline is behind,
	// and accepting more would grow substrate memory without bound.
	depth, err := s.queue.Depth(ctx, queue.IngestQueue)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read raw queue depth")
		s.unavailable(w, r, "substrate_error", "temporarily unavailable")
		return
	}
	if limit := s.config.Int(ctx, config.KeyMaxIngestQueueSize); depth >= int64(limit) {
		s.logger.Warn().Int64("depth", depth).Int("limit", limit).Msg("raw queue full, rejecting event")
		s.unavailable(w, r, "queue_full", "queue full")
		return
	}

	payload, err := env.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode envelope")
		s.reject(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	if err := s.queue.Enqueue(ctx, queue.IngestQueue, payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue event")
		s.unavailable(w, r, "substrate_error", "temporarily unavailable")
		return
	}

	metrics.IngestRequestsTotal.WithLabelValues("success", "accepted").Inc()
	metrics.IngestLatency.Observe(time.Since(start).Seconds())
	metrics.QueueDepth.WithLabelValues(queue.IngestQueue).Set(float64(depth + 1))
	s.slo.Ok(ctx, slo.ComponentIngestor)

	s.logger.Debug().
		Str("correlation_id", env.CorrelationID).
		Str("hostname", env.Hostname).
		Str("source", string(env.Source)).
		Msg("event accepted")

	api.RespondJSON(w, http.StatusAccepted, AcceptResponse{
		Status:        "accepted",
		CorrelationID: env.CorrelationID,
	})
}

// authorized compares the presented key against both credential slots in
// constant time. An empty slot fails closed.
func (s *Service) authorized(r *http.Request) bool {
	slot := s.keys()
	provided := r.Header.Get(api.HeaderAPIKey)
	return slot.Current != "" && provided != "" && slot.Matches(provided)
}

// reject answers a synchronous client failure
func (s *Service) reject(w http.ResponseWriter, status int, reason, message string) {
	metrics.IngestRequestsTotal.WithLabelValues("fail", reason).Inc()
	api.RespondError(w, status, message)
}

// unavailable answers a 503 with retry-after semantics and burns error
// budget: shedding keeps the pipeline alive, but from the producer's
// side the service did not take the event.
func (s *Service) unavailable(w http.ResponseWriter, r *http.Request, reason, message string) {
	metrics.IngestRequestsTotal.WithLabelValues("fail", reason).Inc()
	s.slo.Err(r.Context(), slo.ComponentIngestor)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	api.RespondError(w, http.StatusServiceUnavailable, message)
}
