package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/queue"
)

// Handler processes one staged item. The handler owns disposition: by
// the time it returns nil the item must have been forwarded, dead
// lettered, requeued, or deliberately dropped. A non-nil error means
// disposition could not happen at all (substrate or database outage)
// and the consumer will retry the same payload.
type Handler interface {
	Handle(ctx context.Context, payload string) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, payload string) error

// Handle calls the function
func (f HandlerFunc) Handle(ctx context.Context, payload string) error {
	return f(ctx, payload)
}

// Config holds consumer settings
type Config struct {
	Stage         string
	WorkerID      string
	Concurrency   int           // parallel handler loops, default 1
	StageTimeout  time.Duration // blocking pop timeout, default 5s
	HandleTimeout time.Duration // per-item budget, default 30s
	ErrorPause    time.Duration // initial pause after a handler error, default 1s

	// BeforeStage, when set, runs at the top of every loop iteration,
	// before an item is staged. Stages use it for admission decisions
	// that must observe queue state while no message is held, like
	// backpressure shedding. It may block; shutdown still interrupts
	// the loop at the next stage timeout.
	BeforeStage func(ctx context.Context)
}

// Consumer is the staged-consumption harness shared by the pipeline
// stages. It moves items from the stage's source queue into this
// worker's processing list, hands them to the handler, and acks on
// completion. The processing list plus the worker heartbeat make every
// in-flight item recoverable after a crash.
type Consumer struct {
	cfg       Config
	queue     *queue.Client
	handler   Handler
	heartbeat *queue.Heartbeat
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer for one pipeline stage
func NewConsumer(q *queue.Client, cfg Config, handler Handler) (*Consumer, error) {
	if queue.SourceQueueFor(cfg.Stage) == "" {
		return nil, fmt.Errorf("unknown pipeline stage %q", cfg.Stage)
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}

	return &Consumer{
		cfg:       cfg,
		queue:     q,
		handler:   handler,
		heartbeat: queue.NewHeartbeat(q, cfg.Stage, cfg.WorkerID),
		logger: log.WithWorker(cfg.Stage, cfg.WorkerID).With().
			Str("component", "pipeline").Logger(),
		stopCh: make(chan struct{}),
	}, nil
}

// Start reclaims any items a previous incarnation of this worker left
// staged, then begins the heartbeat and the consumption loops.
func (c *Consumer) Start() {
	c.reclaimOwn()
	c.heartbeat.Start()
	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.run()
	}
	c.logger.Info().Int("concurrency", c.cfg.Concurrency).Msg("consumer started")
}

// reclaimOwn drains this worker's staging list back to the source queue.
// Safe only before the loops start: at that point nothing is staging
// under this worker id, so everything in the list is a crash leftover
// that peers will not touch once our heartbeat resumes.
func (c *Consumer) reclaimOwn() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	staged := queue.ProcessingKey(c.cfg.Stage, c.cfg.WorkerID)
	source := queue.SourceQueueFor(c.cfg.Stage)

	recovered := 0
	for {
		raw, err := c.queue.Move(ctx, staged, source)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to reclaim staged leftovers")
			return
		}
		if raw == "" {
			break
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Warn().Int("count", recovered).Msg("requeued items staged before an unclean shutdown")
	}
}

// Stop drains the loops and then clears the heartbeat. The heartbeat
// outlives the loops so the janitor cannot reclaim an item that is
// still being handled.
func (c *Consumer) Stop(ctx context.Context) error {
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("consumer drain interrupted: %w", ctx.Err())
	}

	c.heartbeat.Stop()
	c.logger.Info().Msg("consumer stopped")
	return nil
}

func (c *Consumer) run() {
	defer c.wg.Done()

	source := queue.SourceQueueFor(c.cfg.Stage)
	processing := queue.ProcessingKey(c.cfg.Stage, c.cfg.WorkerID)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.cfg.BeforeStage != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
			c.cfg.BeforeStage(ctx)
			cancel()
		}

		payload, err := c.queue.AtomicStage(context.Background(), source, processing, c.cfg.StageTimeout)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to stage item")
			if !c.pause(c.cfg.ErrorPause) {
				return
			}
			continue
		}
		if payload == "" {
			// pop timed out, loop back to observe stopCh
			continue
		}

		if !c.process(payload, processing) {
			return
		}
	}
}

// process runs the handler until it dispositions the item, then acks
// the staged copy. Returns false when shutdown interrupted the retry
// loop; the item stays staged for the janitor.
func (c *Consumer) process(payload, processing string) bool {
	pause := c.cfg.ErrorPause

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
		err := c.handler.Handle(ctx, payload)
		cancel()
		if err == nil {
			break
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("handler failed, item stays staged")
		if !c.pause(pause) {
			return false
		}
		pause = min(pause*2, 30*time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.queue.Ack(ctx, processing, payload); err != nil {
		c.logger.Warn().Err(err).Msg("failed to ack staged item")
	}
	return true
}

// pause sleeps unless shutdown arrives first
func (c *Consumer) pause(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}
