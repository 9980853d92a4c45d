package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
)

const (
	defaultRefreshInterval = time.Minute
	refreshTimeout         = 10 * time.Second
)

// Cached serves one named secret from memory. The value is fetched once
// at startup and refreshed on a schedule, so request paths read a local
// copy instead of calling the broker. A failed refresh keeps the last
// good value: during a rotation the NEXT slot stays valid, so serving
// stale slots briefly is safe while rejecting all traffic is not.
type Cached struct {
	broker   *Broker
	name     string
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.RWMutex
	slot TwoSlot

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCached creates a cache for the named secret. Interval defaults to
// one minute.
func NewCached(broker *Broker, name string, interval time.Duration) *Cached {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Cached{
		broker:   broker,
		name:     name,
		interval: interval,
		logger:   log.WithComponent("secrets").With().Str("secret", name).Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Prime fetches the secret synchronously. Services call this during
// startup so they never begin serving without credentials.
func (c *Cached) Prime(ctx context.Context) error {
	slot, err := c.broker.Fetch(ctx, c.name)
	if err != nil {
		return fmt.Errorf("failed to prime secret %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.slot = slot
	c.mu.Unlock()
	return nil
}

// Start begins scheduled refresh
func (c *Cached) Start() {
	go c.run()
}

// Stop ends scheduled refresh and waits for the loop to exit
func (c *Cached) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Slot returns the cached secret slots
func (c *Cached) Slot() TwoSlot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

func (c *Cached) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.refresh()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cached) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	slot, err := c.broker.Fetch(ctx, c.name)
	if err != nil {
		c.logger.Warn().Err(err).Msg("secret refresh failed, keeping cached value")
		return
	}

	c.mu.Lock()
	changed := slot != c.slot
	c.slot = slot
	c.mu.Unlock()

	if changed {
		c.logger.Info().Msg("secret rotated")
	}
}
