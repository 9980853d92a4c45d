package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
)

const (
	defaultInterval = 30 * time.Second
	sweepTimeout    = 30 * time.Second
)

// Config holds janitor settings
type Config struct {
	WorkerID string
	Interval time.Duration // sweep cadence, default 30s
	Stages   []string      // stages to sweep, default all
}

// Janitor returns items stranded in dead workers' staging lists to their
// source queues. Every pipeline worker runs one, so any surviving peer
// heals a crash without a coordinator. A worker recovers its own
// leftovers itself on startup and is therefore skipped here.
type Janitor struct {
	queue    *queue.Client
	workerID string
	interval time.Duration
	stages   []string
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a janitor for the given stages
func New(q *queue.Client, cfg Config) (*Janitor, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = []string{queue.StageAlerter, queue.StageMoog}
	}
	for _, stage := range cfg.Stages {
		if queue.SourceQueueFor(stage) == "" {
			return nil, fmt.Errorf("unknown pipeline stage %q", stage)
		}
	}

	return &Janitor{
		queue:    q,
		workerID: cfg.WorkerID,
		interval: cfg.Interval,
		stages:   cfg.Stages,
		logger:   log.WithComponent("janitor").With().Str("worker_id", cfg.WorkerID).Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the sweep loop
func (j *Janitor) Start() {
	j.logger.Info().Strs("stages", j.stages).Dur("interval", j.interval).Msg("janitor started")
	go j.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	// Sweep immediately so a restarted fleet heals without waiting a tick
	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	for _, stage := range j.stages {
		if err := j.sweepStage(ctx, stage); err != nil {
			j.logger.Error().Err(err).Str("stage", stage).Msg("sweep failed")
		}
	}
}

// sweepStage scans the stage's staging lists and recovers every list
// whose owner has no live heartbeat.
func (j *Janitor) sweepStage(ctx context.Context, stage string) error {
	keys, err := j.queue.ScanKeys(ctx, queue.ProcessingPattern(stage))
	if err != nil {
		return fmt.Errorf("failed to scan staging lists: %w", err)
	}

	for _, key := range keys {
		worker := queue.WorkerFromProcessingKey(stage, key)
		if worker == "" || worker == j.workerID {
			continue
		}

		_, alive, err := j.queue.Get(ctx, queue.HeartbeatKey(stage, worker))
		if err != nil {
			return fmt.Errorf("failed to check heartbeat of %s: %w", worker, err)
		}
		if alive {
			continue
		}

		recovered, err := j.recover(ctx, stage, key)
		if recovered > 0 {
			metrics.JanitorRecovered.WithLabelValues(stage).Add(float64(recovered))
			j.logger.Warn().
				Str("stage", stage).
				Str("dead_worker", worker).
				Int("count", recovered).
				Msg("recovered items staged by dead worker")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// recover drains one orphaned staging list back to the stage's source
// queue. Item-by-item moves keep the drain crash-safe, and the substrate
// removes the list key itself once the last item leaves. A dead worker
// restarting mid-drain merely re-stages items we already moved, which
// downstream dedupe absorbs; an explicit delete here could instead drop
// an item the revived worker had just staged.
func (j *Janitor) recover(ctx context.Context, stage, key string) (int, error) {
	source := queue.SourceQueueFor(stage)

	count := 0
	for {
		raw, err := j.queue.Move(ctx, key, source)
		if err != nil {
			return count, fmt.Errorf("failed to recover from %s: %w", key, err)
		}
		if raw == "" {
			return count, nil
		}
		count++
	}
}
