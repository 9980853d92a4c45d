package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
)

const (
	// HeartbeatTTL is how long a worker counts as alive after its last
	// beat. The janitor only reclaims staging lists once this lapses.
	HeartbeatTTL = 30 * time.Second

	heartbeatInterval = 10 * time.Second
)

// Heartbeat maintains a worker's liveness key in the substrate. While the
// key exists the janitor leaves the worker's staging list alone.
type Heartbeat struct {
	client *Client
	key    string
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewHeartbeat creates a heartbeat for one worker at one stage
func NewHeartbeat(client *Client, stage, workerID string) *Heartbeat {
	return &Heartbeat{
		client: client,
		key:    HeartbeatKey(stage, workerID),
		logger: log.WithWorker(stage, workerID),
		stopCh: make(chan struct{}),
	}
}

// Start writes the liveness key immediately and refreshes it every 10
// seconds with a 30 second TTL.
func (h *Heartbeat) Start() {
	h.beat()

	ticker := time.NewTicker(heartbeatInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				h.beat()
			case <-h.stopCh:
				ticker.Stop()
				h.clear()
				return
			}
		}
	}()
}

// Stop halts the refresh loop and removes the liveness key so a clean
// shutdown is indistinguishable from an expired one.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := time.Now().UTC().Format(time.RFC3339)
	if err := h.client.SetWithTTL(ctx, h.key, ts, HeartbeatTTL); err != nil {
		h.logger.Error().Err(err).Msg("failed to refresh heartbeat")
	}
}

func (h *Heartbeat) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.client.Delete(ctx, h.key); err != nil {
		h.logger.Warn().Err(err).Msg("failed to clear heartbeat on shutdown")
	}
}
