package alerter

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/pipeline"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/slo"
	"github.com/spiretel/mutt/pkg/types"
)

const (
	auditWriteAttempts = 3
	auditRetryDelay    = 200 * time.Millisecond
	maxRetryBackoff    = 60 * time.Second
	reloadTimeout      = 10 * time.Second

	// classifyTimeout must cover audit write retries plus one capped
	// backoff sleep.
	classifyTimeout = 2 * time.Minute
)

// Config wires the classifier's collaborators
type Config struct {
	Queue  *queue.Client
	Store  Store
	Config *config.Client

	// Broker, when set, reloads the rule cache on admin-side change
	// notifications instead of waiting for the next timed reload.
	Broker *events.Broker

	WorkerID    string
	Concurrency int
}

// Service consumes the raw queue, classifies each event against the rule
// cache, records the outcome in the event audit log, and forwards alerts
// whose handling pages or tickets. Events nothing matched feed the
// unhandled-pattern tracker.
type Service struct {
	queue    *queue.Client
	store    Store
	config   *config.Client
	broker   *events.Broker
	cache    *Cache
	consumer *pipeline.Consumer
	slo      *slo.Recorder
	logger   zerolog.Logger

	pressured atomic.Bool // latches the warn log between threshold crossings

	sleep func(d time.Duration) // interruptible pause, swapped in tests

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the classification service
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("config client is required")
	}

	s := &Service{
		queue:  cfg.Queue,
		store:  cfg.Store,
		config: cfg.Config,
		broker: cfg.Broker,
		cache:  NewCache(cfg.Store),
		slo:    slo.NewRecorder(cfg.Queue),
		logger: log.WithComponent("alerter"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.sleep = s.pauseFor

	consumer, err := pipeline.NewConsumer(cfg.Queue, pipeline.Config{
		Stage:         queue.StageAlerter,
		WorkerID:      cfg.WorkerID,
		Concurrency:   cfg.Concurrency,
		HandleTimeout: classifyTimeout,
		BeforeStage:   s.backpressure,
	}, pipeline.HandlerFunc(s.classify))
	if err != nil {
		return nil, err
	}
	s.consumer = consumer
	return s, nil
}

// Start loads the rule cache and begins consuming the raw queue. It
// fails when the initial load fails: classifying without rules would
// give every event the default disposition.
func (s *Service) Start(ctx context.Context) error {
	if err := s.cache.Reload(ctx); err != nil {
		return fmt.Errorf("failed to prime rule cache: %w", err)
	}
	go s.reloadLoop()
	s.consumer.Start()
	s.logger.Info().Msg("alerter started")
	return nil
}

// Stop interrupts any backoff pauses, drains the consumer, and stops the
// reload loop.
func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	err := s.consumer.Stop(ctx)
	<-s.doneCh
	return err
}

// Ops returns the operational endpoints: health, readiness, and metrics
func (s *Service) Ops() http.Handler {
	return api.NewHealthServer("alerter", map[string]health.Checker{
		"queue":    health.NewQueueChecker(s.queue),
		"database": health.NewDatabaseChecker(s.store),
	}).Handler()
}

// reloadLoop refreshes the cache on a timer and on change notifications
// from the admin surface. The interval is re-read every cycle so tuning
// it takes effect without a restart.
func (s *Service) reloadLoop() {
	defer close(s.doneCh)

	var notifications events.Subscriber
	if s.broker != nil {
		notifications = s.broker.Subscribe()
		defer s.broker.Unsubscribe(notifications)
	}

	for {
		interval := s.config.Duration(context.Background(), config.KeyCacheReloadInterval)
		select {
		case <-s.stopCh:
			return
		case <-time.After(interval):
			s.reload("interval")
		case ev, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			switch ev.Type {
			case events.EventRulesChanged, events.EventDevHostsChanged, events.EventTeamsChanged:
				s.reload(string(ev.Type))
			}
		}
	}
}

func (s *Service) reload(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	if err := s.cache.Reload(ctx); err != nil {
		s.logger.Error().Err(err).Str("trigger", trigger).
			Msg("rule cache reload failed, keeping previous snapshot")
	}
}

// classify is the per-event handler. A nil return means the event was
// dispositioned: forwarded, terminal, requeued for retry, or
// dead-lettered. An error return means disposition itself failed and the
// harness retries the same payload.
func (s *Service) classify(ctx context.Context, payload string) error {
	env, err := types.ParseEnvelope([]byte(payload))
	if err != nil {
		// Unparseable bytes cannot carry annotations; they go to the DLQ
		// as-is and the remediator quarantines them on sight.
		if qerr := s.queue.Enqueue(ctx, queue.DLQAlerter, []byte(payload)); qerr != nil {
			return qerr
		}
		s.logger.Error().Err(err).Msg("dead-lettered unparseable event")
		s.slo.Err(ctx, slo.ComponentAlerter)
		return nil
	}

	cls, err := s.cache.Classify(env)
	if err != nil {
		return s.fail(ctx, env, err)
	}

	env.MatchedRuleID = cls.Rule.ID
	env.Handling = cls.Handling
	env.Team = cls.Team
	env.IsDev = cls.IsDev
	forwarded := cls.Handling.Forwards()

	if err := s.writeAudit(ctx, env, cls, forwarded); err != nil {
		metrics.AuditWriteFailures.Inc()
		return s.deadLetter(ctx, env, err)
	}

	if forwarded {
		data, err := env.Encode()
		if err != nil {
			return s.fail(ctx, env, err)
		}
		if err := s.queue.Enqueue(ctx, queue.AlertQueue, data); err != nil {
			return s.fail(ctx, env, err)
		}
	}

	metrics.EventsClassified.WithLabelValues(string(cls.Handling)).Inc()
	s.slo.Ok(ctx, slo.ComponentAlerter)

	s.logger.Debug().
		Str("correlation_id", env.CorrelationID).
		Str("hostname", env.Hostname).
		Int64("rule_id", cls.Rule.ID).
		Str("handling", string(cls.Handling)).
		Bool("is_dev", cls.IsDev).
		Bool("forwarded", forwarded).
		Msg("event classified")

	if cls.IsDefault {
		s.trackUnhandled(ctx, env)
	}
	return nil
}

// writeAudit appends the classification outcome to the event audit log.
// Writes get three immediate attempts before the caller dead-letters the
// event.
func (s *Service) writeAudit(ctx context.Context, env *types.Envelope, cls *Classification, forwarded bool) error {
	raw, err := env.EventJSON()
	if err != nil {
		return err
	}
	ruleID := cls.Rule.ID
	rec := &types.EventAudit{
		CorrelationID: env.CorrelationID,
		Hostname:      env.Hostname,
		Source:        env.Source,
		MatchedRuleID: &ruleID,
		Handling:      cls.Handling,
		Team:          cls.Team,
		IsDev:         cls.IsDev,
		Forwarded:     forwarded,
		RawEvent:      raw,
	}
	return retry.Do(
		func() error { return s.store.InsertEventAudit(ctx, rec) },
		retry.Context(ctx),
		retry.Attempts(auditWriteAttempts),
		retry.Delay(auditRetryDelay),
		retry.LastErrorOnly(true),
	)
}

// deadLetter moves an event whose audit write exhausted its attempts to
// the alerter DLQ. The annotation keeps the reason; the remediator
// replays the event once the database recovers.
func (s *Service) deadLetter(ctx context.Context, env *types.Envelope, cause error) error {
	env.MarkFailed(types.ErrorTransient, fmt.Sprintf("audit_write_failed: %v", cause))
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for dead letter: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.DLQAlerter, data); err != nil {
		return err
	}
	s.logger.Error().Err(cause).
		Str("correlation_id", env.CorrelationID).
		Msg("audit write failed, dead-lettering event")
	s.slo.Err(ctx, slo.ComponentAlerter)
	return nil
}

// fail applies the retry policy for classification exceptions: back to
// the tail of the raw queue with a capped exponential pause, or to the
// DLQ once retries are spent.
func (s *Service) fail(ctx context.Context, env *types.Envelope, cause error) error {
	env.RetryCount++
	env.MarkFailed(types.ClassOf(cause), cause.Error())

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for retry: %w", err)
	}

	if env.RetryCount >= s.config.Int(ctx, config.KeyAlerterMaxRetries) {
		if err := s.queue.Enqueue(ctx, queue.DLQAlerter, data); err != nil {
			return err
		}
		s.logger.Error().Err(cause).
			Str("correlation_id", env.CorrelationID).
			Int("retry_count", env.RetryCount).
			Msg("classification retries exhausted, dead-lettering event")
		s.slo.Err(ctx, slo.ComponentAlerter)
		return nil
	}

	if err := s.queue.RequeueTail(ctx, queue.IngestQueue, data); err != nil {
		return err
	}
	s.logger.Warn().Err(cause).
		Str("correlation_id", env.CorrelationID).
		Int("retry_count", env.RetryCount).
		Msg("classification failed, requeueing event")
	s.slo.Err(ctx, slo.ComponentAlerter)
	s.sleep(pipeline.Backoff(env.RetryCount, maxRetryBackoff))
	return nil
}

// trackUnhandled counts default-rule matches by hostname and message
// shape. Tracking is best effort: the event is already dispositioned, so
// a substrate hiccup here only costs one count.
func (s *Service) trackUnhandled(ctx context.Context, env *types.Envelope) {
	sig := Signature(env.Hostname, env.Message)
	window := s.config.Duration(ctx, config.KeyUnhandledWindow)
	count, err := s.queue.IncrWithTTL(ctx, queue.UnhandledKey(sig), window)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to track unhandled pattern")
		return
	}

	// INCR is atomic, so exactly one worker observes the crossing.
	threshold := int64(s.config.Int(ctx, config.KeyUnhandledAlertThreshold))
	if count != threshold {
		return
	}
	s.emitMetaAlert(ctx, env, sig, count)
}

// emitMetaAlert raises one synthetic alert for a recurring unhandled
// pattern and resets its counter. Meta-alerts page the admin team
// directly; they skip rule matching and the audit log.
func (s *Service) emitMetaAlert(ctx context.Context, env *types.Envelope, sig string, count int64) {
	severity := 3
	meta := types.NewEnvelope(types.Event{
		Timestamp:      time.Now().UTC(),
		Hostname:       env.Hostname,
		Message:        fmt.Sprintf("unhandled pattern seen %d times: %s", count, shape(env.Message)),
		Source:         env.Source,
		SyslogSeverity: &severity,
	})
	meta.Meta = true
	meta.Handling = types.HandlingPageAndTicket
	meta.Team = types.TeamAdmin

	data, err := meta.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode meta-alert")
		return
	}
	if err := s.queue.Enqueue(ctx, queue.AlertQueue, data); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue meta-alert")
		return
	}
	if err := s.queue.Delete(ctx, queue.UnhandledKey(sig)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reset unhandled counter")
	}
	metrics.MetaAlertsTotal.Inc()
	s.logger.Warn().
		Str("hostname", env.Hostname).
		Int64("count", count).
		Str("signature", sig).
		Msg("unhandled pattern crossed threshold, meta-alert raised")
}

// backpressure runs before each staging attempt, while no message is
// held. Above the warn threshold it logs once per crossing; from the
// shed threshold it relieves pressure per the configured mode before any
// new event is staged.
func (s *Service) backpressure(ctx context.Context) {
	for {
		depth, err := s.queue.Depth(ctx, queue.AlertQueue)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to read alert queue depth")
			return
		}
		metrics.QueueDepth.WithLabelValues(queue.AlertQueue).Set(float64(depth))

		shed := int64(s.config.Int(ctx, config.KeyBackpressureShed))
		warn := int64(s.config.Int(ctx, config.KeyBackpressureWarn))

		if depth < shed {
			switch {
			case depth >= warn && s.pressured.CompareAndSwap(false, true):
				s.logger.Warn().Int64("depth", depth).Int64("warn_threshold", warn).
					Msg("alert queue backpressure building")
			case depth < warn && s.pressured.CompareAndSwap(true, false):
				s.logger.Info().Int64("depth", depth).Msg("alert queue backpressure cleared")
			}
			return
		}

		mode := s.config.String(ctx, config.KeyShedMode)
		if mode == config.ShedModeDefer {
			s.logger.Warn().Int64("depth", depth).Str("mode", mode).
				Msg("alert queue saturated, deferring consumption")
			metrics.ShedTotal.WithLabelValues(mode).Inc()
			if !s.deferPause(ctx) {
				return
			}
			continue
		}

		s.shedOldest(ctx, depth)
		return
	}
}

// deferPause sleeps out one defer cycle. Returns false when the service
// is shutting down or the stage budget is spent.
func (s *Service) deferPause(ctx context.Context) bool {
	select {
	case <-time.After(s.config.Duration(ctx, config.KeyDeferSleep)):
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// shedOldest drains a batch from the head of the raw queue straight to
// the alerter DLQ, tagged shed. Upstream backlog gives way before
// in-flight alerts do.
func (s *Service) shedOldest(ctx context.Context, depth int64) {
	batch := s.config.Int(ctx, config.KeyShedDrainBatch)
	shed := 0
	for i := 0; i < batch; i++ {
		raw, err := s.queue.PopHead(ctx, queue.IngestQueue)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain raw queue while shedding")
			break
		}
		if raw == "" {
			break
		}

		payload := []byte(raw)
		if env, perr := types.ParseEnvelope(payload); perr == nil {
			env.Shed = true
			if data, eerr := env.Encode(); eerr == nil {
				payload = data
			}
		}
		if err := s.queue.Enqueue(ctx, queue.DLQAlerter, payload); err != nil {
			// Put the popped event back rather than losing it.
			if rerr := s.queue.RequeueHead(ctx, queue.IngestQueue, []byte(raw)); rerr != nil {
				s.logger.Error().Err(rerr).Msg("failed to restore event after shed failure")
			}
			break
		}
		metrics.ShedTotal.WithLabelValues(config.ShedModeDLQ).Inc()
		shed++
	}
	if shed > 0 {
		s.logger.Warn().Int("shed", shed).Int64("alert_queue_depth", depth).
			Str("mode", config.ShedModeDLQ).Msg("shed oldest raw events to relieve backpressure")
	}
}

// pauseFor sleeps unless the service is stopping
func (s *Service) pauseFor(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stopCh:
	}
}
