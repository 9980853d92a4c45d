package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/breaker"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/pipeline"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/ratelimit"
	"github.com/spiretel/mutt/pkg/secrets"
	"github.com/spiretel/mutt/pkg/slo"
	"github.com/spiretel/mutt/pkg/types"
)

const (
	maxRetryBackoff = 60 * time.Second

	// deliverTimeout must cover one webhook call plus a capped backoff
	// or holdback pause.
	deliverTimeout = 3 * time.Minute
)

// Config wires the deliverer's collaborators
type Config struct {
	Queue      *queue.Client
	Config     *config.Client
	WebhookURL string

	// Token, when set, supplies the webhook bearer. Both slots are
	// consulted so deliveries ride out credential rotations.
	Token *secrets.Cached

	WorkerID    string
	Concurrency int

	// MaxInFlight bounds concurrent webhook calls across all workers,
	// independently of rate limit accounting. Defaults to Concurrency.
	MaxInFlight int
}

// Service consumes the alert queue and posts each alert to the Moog
// webhook, behind the shared circuit breaker and the shared rate limit.
// Client rejections are buried in the webhook DLQ; transient failures
// retry with capped backoff until the retry budget runs out.
type Service struct {
	queue    *queue.Client
	config   *config.Client
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	consumer *pipeline.Consumer
	slo      *slo.Recorder
	logger   zerolog.Logger

	webhookURL string
	token      *secrets.Cached
	httpClient *http.Client
	inFlight   *semaphore.Weighted

	sleep func(d time.Duration) // interruptible pause, swapped in tests

	stopCh chan struct{}
}

// New creates the delivery service
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue client is required")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("config client is required")
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.Concurrency
	}

	s := &Service{
		queue:      cfg.Queue,
		config:     cfg.Config,
		breaker:    breaker.New(cfg.Queue),
		limiter:    ratelimit.New(cfg.Queue, queue.RateLimitKey),
		slo:        slo.NewRecorder(cfg.Queue),
		webhookURL: cfg.WebhookURL,
		token:      cfg.Token,
		httpClient: &http.Client{},
		inFlight:   semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:     log.WithComponent("forwarder"),
		stopCh:     make(chan struct{}),
	}
	s.sleep = s.pauseFor

	consumer, err := pipeline.NewConsumer(cfg.Queue, pipeline.Config{
		Stage:         queue.StageMoog,
		WorkerID:      cfg.WorkerID,
		Concurrency:   cfg.Concurrency,
		HandleTimeout: deliverTimeout,
	}, pipeline.HandlerFunc(s.deliver))
	if err != nil {
		return nil, err
	}
	s.consumer = consumer
	return s, nil
}

// Start begins consuming the alert queue. The circuit gauge is seeded
// from the shared state so a restart does not report closed while the
// circuit is open.
func (s *Service) Start(ctx context.Context) error {
	if state, _, err := s.breaker.Snapshot(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to read circuit breaker state")
	} else {
		metrics.CircuitState.Set(state.Gauge())
	}
	s.consumer.Start()
	s.logger.Info().Msg("forwarder started")
	return nil
}

// Stop interrupts any holdback or backoff pauses and drains the consumer
func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	return s.consumer.Stop(ctx)
}

// Ops returns the operational endpoints. Readiness tracks the substrate
// only; webhook reachability is the breaker's concern.
func (s *Service) Ops() http.Handler {
	return api.NewHealthServer("forwarder", map[string]health.Checker{
		"queue": health.NewQueueChecker(s.queue),
	}).Handler()
}

// deliver is the per-alert handler. A nil return means the alert was
// dispositioned: delivered, held back, requeued for retry, or
// dead-lettered. An error return means disposition itself failed and the
// harness retries the same payload.
func (s *Service) deliver(ctx context.Context, payload string) error {
	env, err := types.ParseEnvelope([]byte(payload))
	if err != nil {
		if qerr := s.queue.Enqueue(ctx, queue.DLQMoog, []byte(payload)); qerr != nil {
			return qerr
		}
		s.logger.Error().Err(err).Msg("dead-lettered unparseable alert")
		s.slo.Err(ctx, slo.ComponentMoog)
		return nil
	}

	circuit, err := s.breaker.Allow(ctx, s.config.Duration(ctx, config.KeyBreakerOpenDuration))
	if err != nil {
		return err
	}
	if !circuit.Allowed {
		return s.holdBack(ctx, payload, circuit.RetryIn, "circuit_open")
	}

	admit, err := s.limiter.Allow(ctx,
		s.config.Int(ctx, config.KeyRateLimitMaxRequests),
		s.config.Duration(ctx, config.KeyRateLimitWindow))
	if err != nil {
		return err
	}
	if !admit.Allowed {
		return s.holdBack(ctx, payload, admit.Wait, "rate_limited")
	}

	if err := s.inFlight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire delivery slot: %w", err)
	}
	status, postErr := s.post(ctx, env)
	s.inFlight.Release(1)

	switch {
	case postErr == nil && status >= 200 && status < 300:
		return s.succeed(ctx, env, status)
	case postErr == nil && status >= 400 && status < 500:
		return s.bury(ctx, env, status)
	default:
		return s.fail(ctx, env, status, postErr)
	}
}

// holdBack returns an alert to the head of its queue untouched, then
// pauses before the next staging attempt. Breaker and rate limit denials
// are not delivery failures; the alert keeps its retry budget.
func (s *Service) holdBack(ctx context.Context, payload string, pause time.Duration, reason string) error {
	if err := s.queue.RequeueHead(ctx, queue.AlertQueue, []byte(payload)); err != nil {
		return err
	}
	if pause <= 0 {
		pause = time.Second
	}
	s.logger.Debug().Str("reason", reason).Dur("pause", pause).Msg("delivery held back")
	s.sleep(pause)
	return nil
}

// post sends one webhook request and reports the response status. A
// bearer rejected mid-rotation is retried once with the next slot.
func (s *Service) post(ctx context.Context, env *types.Envelope) (int, error) {
	body, err := json.Marshal(types.NewDeliveryPayload(env))
	if err != nil {
		return 0, fmt.Errorf("failed to encode delivery payload: %w", err)
	}

	var slot secrets.TwoSlot
	if s.token != nil {
		slot = s.token.Slot()
	}

	status, err := s.postOnce(ctx, body, slot.Current)
	if err == nil && rejectedAuth(status) && slot.Next != "" {
		s.logger.Info().Int("status", status).
			Msg("webhook rejected current token, retrying with next slot")
		status, err = s.postOnce(ctx, body, slot.Next)
	}
	return status, err
}

func (s *Service) postOnce(ctx context.Context, body []byte, token string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.config.Duration(ctx, config.KeyMoogWebhookTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection is reused
	return resp.StatusCode, nil
}

func rejectedAuth(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func (s *Service) succeed(ctx context.Context, env *types.Envelope, status int) error {
	// The POST already happened; failing here would redeliver the alert.
	if _, err := s.breaker.RecordSuccess(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record delivery success")
	}
	metrics.DeliveriesTotal.WithLabelValues("success").Inc()
	s.slo.Ok(ctx, slo.ComponentMoog)
	s.logger.Debug().
		Str("correlation_id", env.CorrelationID).
		Int("status", status).
		Int("retry_count", env.RetryCount).
		Msg("alert delivered")
	return nil
}

// bury dead-letters an alert the downstream rejected outright. A 4xx
// means the webhook is reachable, so it never counts against the
// breaker, and retrying cannot help.
func (s *Service) bury(ctx context.Context, env *types.Envelope, status int) error {
	env.MarkFailed(types.ErrorPermanent, fmt.Sprintf("client_error: webhook returned status %d", status))
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for dead letter: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.DLQMoog, data); err != nil {
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues("client_error").Inc()
	s.slo.Err(ctx, slo.ComponentMoog)
	s.logger.Error().
		Str("correlation_id", env.CorrelationID).
		Int("status", status).
		Msg("webhook rejected alert, dead-lettering")
	return nil
}

// fail applies the retry policy for transient delivery failures: record
// the failure against the breaker, then back off and requeue to the head
// of the alert queue, or dead-letter once retries are spent.
func (s *Service) fail(ctx context.Context, env *types.Envelope, status int, cause error) error {
	outcome, reason := "server_error", fmt.Sprintf("webhook returned status %d", status)
	if cause != nil {
		outcome, reason = "transport_error", cause.Error()
	}
	metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()

	threshold := s.config.Int(ctx, config.KeyBreakerFailureThreshold)
	if _, _, err := s.breaker.RecordFailure(ctx, threshold); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record delivery failure")
	}

	env.RetryCount++
	if env.RetryCount >= s.config.Int(ctx, config.KeyMoogMaxRetries) {
		env.MarkFailed(types.ErrorTransient, "max_retries: "+reason)
		data, err := env.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode envelope for dead letter: %w", err)
		}
		if err := s.queue.Enqueue(ctx, queue.DLQMoog, data); err != nil {
			return err
		}
		s.logger.Error().
			Str("correlation_id", env.CorrelationID).
			Int("retry_count", env.RetryCount).
			Str("reason", reason).
			Msg("delivery retries exhausted, dead-lettering alert")
		s.slo.Err(ctx, slo.ComponentMoog)
		return nil
	}

	env.MarkFailed(types.ErrorTransient, reason)
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for retry: %w", err)
	}
	s.logger.Warn().
		Str("correlation_id", env.CorrelationID).
		Int("retry_count", env.RetryCount).
		Str("reason", reason).
		Msg("delivery failed, backing off before retry")
	s.slo.Err(ctx, slo.ComponentMoog)
	s.sleep(pipeline.Backoff(env.RetryCount, maxRetryBackoff))
	if err := s.queue.RequeueHead(ctx, queue.AlertQueue, data); err != nil {
		return err
	}
	return nil
}

// pauseFor sleeps unless the service is stopping
func (s *Service) pauseFor(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stopCh:
	}
}
