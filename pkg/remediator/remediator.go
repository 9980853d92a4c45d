package remediator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/pipeline"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/types"
)

const (
	maxReplayBackoff = time.Hour
	cycleTimeout     = 45 * time.Second
	gateTimeout      = 5 * time.Second
)

// Replay outcomes for the remediation counter
const (
	outcomeSuccess     = "success"
	outcomeQuarantined = "quarantined"
	outcomeDeferred    = "deferred"
)

// Config wires the remediator's collaborators
type Config struct {
	Queue  *queue.Client
	Config *config.Client

	// WebhookURL is probed before webhook dead letters are replayed
	WebhookURL string
}

// Service replays dead-lettered events back into the pipeline with
// capped exponential spacing between attempts. Entries that keep
// failing are promoted to the terminal quarantine, which only operator
// action empties.
type Service struct {
	queue  *queue.Client
	config *config.Client
	gate   health.Checker // webhook probe, swapped in tests
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the remediation service
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

	return &Service{
		queue:  cfg.Queue,
		config: cfg.Config,
		gate: health.NewHTTPChecker(cfg.WebhookURL).
			WithStatusRange(200, 499).
			WithTimeout(gateTimeout),
		logger: log.WithComponent("remediator"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the scan loop
func (s *Service) Start() {
	s.logger.Info().Msg("remediator started")
	go s.run()
}

// Stop halts the loop and waits for an in-flight cycle to finish
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Ops returns the operational endpoints: health, readiness, and metrics
func (s *Service) Ops() http.Handler {
	return api.NewHealthServer("remediator", map[string]health.Checker{
		"queue": health.NewQueueChecker(s.queue),
	}).Handler()
}

// run scans on a timer. The interval is re-read every cycle so tuning it
// takes effect without a restart.
func (s *Service) run() {
	defer close(s.doneCh)

	// Scan immediately so a restart doesn't leave dead letters waiting
	// out a full tick.
	s.cycle()

	for {
		interval := s.config.Duration(context.Background(), config.KeyRemediationScanInterval)
		select {
		case <-time.After(interval):
			s.cycle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	s.drain(ctx, queue.DLQAlerter, queue.IngestQueue)
	s.drain(ctx, queue.DLQMoog, queue.AlertQueue)

	if depth, err := s.queue.Depth(ctx, queue.Quarantine); err == nil {
		metrics.QueueDepth.WithLabelValues(queue.Quarantine).Set(float64(depth))
	}
}

// drain examines up to one batch from the head of a DLQ and replays,
// defers, or quarantines each entry.
func (s *Service) drain(ctx context.Context, dlq, target string) {
	depth, err := s.queue.Depth(ctx, dlq)
	if err != nil {
		s.logger.Warn().Err(err).Str("queue", dlq).Msg("failed to read dead letter depth")
		return
	}
	metrics.QueueDepth.WithLabelValues(dlq).Set(float64(depth))
	if depth == 0 {
		return
	}

	if dlq == queue.DLQMoog {
		if result := s.gate.Check(ctx); !result.Healthy {
			s.logger.Warn().Str("detail", result.Message).
				Msg("webhook unreachable, keeping its dead letters this cycle")
			return
		}
	}

	// Deferred entries go back to the tail, so bounding pops by the
	// starting depth examines each entry at most once per cycle.
	n := min(int64(s.config.Int(ctx, config.KeyDLQBatchSize)), depth)

	var replayed, quarantined, deferred int
	for i := int64(0); i < n; i++ {
		raw, err := s.queue.PopHead(ctx, dlq)
		if err != nil {
			s.logger.Warn().Err(err).Str("queue", dlq).Msg("failed to pop dead letter")
			break
		}
		if raw == "" {
			break
		}

		outcome := s.examine(ctx, dlq, target, raw)
		if outcome == "" {
			break
		}
		metrics.RemediationsTotal.WithLabelValues(dlq, outcome).Inc()
		switch outcome {
		case outcomeSuccess:
			replayed++
		case outcomeQuarantined:
			quarantined++
		case outcomeDeferred:
			deferred++
		}
	}

	if replayed+quarantined+deferred > 0 {
		s.logger.Info().
			Str("queue", dlq).
			Int("replayed", replayed).
			Int("quarantined", quarantined).
			Int("deferred", deferred).
			Msg("dead letter cycle finished")
	}
}

// examine dispositions one popped dead letter and reports the outcome.
// An empty outcome means the disposition write failed; the entry has
// been restored to the head of its DLQ for the next cycle.
func (s *Service) examine(ctx context.Context, dlq, target, raw string) string {
	env, err := types.ParseEnvelope([]byte(raw))
	if err != nil {
		// Malformed bytes can never replay; park them unchanged where
		// operators can inspect them.
		if qerr := s.queue.Enqueue(ctx, queue.Quarantine, []byte(raw)); qerr != nil {
			return s.restore(ctx, dlq, raw, qerr)
		}
		s.logger.Error().Err(err).Str("queue", dlq).Msg("quarantined malformed dead letter")
		return outcomeQuarantined
	}

	if env.LastRetryAt != nil {
		required := pipeline.Backoff(env.RetryCount, maxReplayBackoff)
		if time.Since(*env.LastRetryAt) < required {
			if qerr := s.queue.RequeueTail(ctx, dlq, []byte(raw)); qerr != nil {
				return s.restore(ctx, dlq, raw, qerr)
			}
			return outcomeDeferred
		}
	}

	if env.RetryCount >= s.config.Int(ctx, config.KeyMaxRemediationRetries) {
		now := time.Now().UTC()
		env.PoisonedAt = &now
		data, err := env.Encode()
		if err != nil {
			return s.restore(ctx, dlq, raw, err)
		}
		if qerr := s.queue.Enqueue(ctx, queue.Quarantine, data); qerr != nil {
			return s.restore(ctx, dlq, raw, qerr)
		}
		s.logger.Error().
			Str("correlation_id", env.CorrelationID).
			Int("retry_count", env.RetryCount).
			Str("last_error", env.LastError).
			Msg("retries exhausted, quarantining dead letter")
		return outcomeQuarantined
	}

	env.RetryCount++
	now := time.Now().UTC()
	env.LastRetryAt = &now
	data, err := env.Encode()
	if err != nil {
		return s.restore(ctx, dlq, raw, err)
	}
	if qerr := s.queue.Enqueue(ctx, target, data); qerr != nil {
		return s.restore(ctx, dlq, raw, qerr)
	}
	s.logger.Debug().
		Str("correlation_id", env.CorrelationID).
		Str("queue", dlq).
		Int("retry_count", env.RetryCount).
		Msg("replayed dead letter")
	return outcomeSuccess
}

// restore puts a popped entry back at the head of its DLQ after a
// disposition write failed
func (s *Service) restore(ctx context.Context, dlq, raw string, cause error) string {
	s.logger.Error().Err(cause).Str("queue", dlq).Msg("failed to disposition dead letter")
	if rerr := s.queue.RequeueHead(ctx, dlq, []byte(raw)); rerr != nil {
		s.logger.Error().Err(rerr).Str("queue", dlq).Msg("failed to restore dead letter")
	}
	return ""
}
