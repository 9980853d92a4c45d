package config

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
)

const defaultCacheTTL = 30 * time.Second

// Client reads dynamic configuration from the substrate with a local
// TTL cache. Update notifications invalidate single keys so changes
// propagate faster than the TTL without a thundering herd of reads.
type Client struct {
	queue  *queue.Client
	cache  *gocache.Cache
	broker *events.Broker
	logger zerolog.Logger
	sub    *queue.Subscription
}

// Option configures a Client
type Option func(*Client)

// WithTTL overrides the cache TTL
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = gocache.New(ttl, 2*ttl)
	}
}

// WithBroker forwards parsed update notifications to an in-process
// broker so components beyond the cache can react to changes.
func WithBroker(b *events.Broker) Option {
	return func(c *Client) {
		c.broker = b
	}
}

// NewClient creates a config client over the substrate
func NewClient(q *queue.Client, opts ...Option) *Client {
	c := &Client{
		queue:  q,
		cache:  gocache.New(defaultCacheTTL, 2*defaultCacheTTL),
		logger: log.WithComponent("config"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the update channel and begins invalidating on
// notifications. Without Start the client still works, bounded by TTL.
func (c *Client) Start(ctx context.Context) error {
	sub, err := c.queue.Subscribe(ctx, queue.ConfigUpdatesTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to config updates: %w", err)
	}
	c.sub = sub
	go c.watch()
	return nil
}

// Stop ends the update subscription
func (c *Client) Stop() {
	if c.sub != nil {
		c.sub.Close()
	}
}

func (c *Client) watch() {
	for payload := range c.sub.C {
		event, ok := events.Parse(payload)
		if !ok {
			c.logger.Warn().Str("payload", payload).Msg("ignoring unrecognized update notification")
			continue
		}
		if event.Type == events.EventConfigUpdated {
			c.cache.Delete(event.Key)
			metrics.ConfigUpdates.Inc()
			c.logger.Info().Str("key", event.Key).Msg("config key invalidated")
		}
		if c.broker != nil {
			c.broker.Publish(event)
		}
	}
}

// String returns the value for a key, falling back to the registered
// default when the key is unset, unreadable, or invalid.
func (c *Client) String(ctx context.Context, key string) string {
	return c.lookup(ctx, key)
}

// Int returns an integer config value
func (c *Client) Int(ctx context.Context, key string) int {
	value := c.lookup(ctx, key)
	n, err := strconv.Atoi(value)
	if err != nil {
		c.logger.Error().Str("key", key).Str("value", value).Msg("config value is not an integer")
		return 0
	}
	return n
}

// Float returns a floating point config value
func (c *Client) Float(ctx context.Context, key string) float64 {
	value := c.lookup(ctx, key)
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.logger.Error().Str("key", key).Str("value", value).Msg("config value is not a number")
		return 0
	}
	return f
}

// Duration returns a duration config value scaled by the key's
// registered unit.
func (c *Client) Duration(ctx context.Context, key string) time.Duration {
	spec, ok := Lookup(key)
	if !ok || spec.Unit == 0 {
		c.logger.Error().Str("key", key).Msg("config key is not a duration")
		return 0
	}
	return time.Duration(c.Int(ctx, key)) * spec.Unit
}

// lookup resolves a key through cache, substrate, then default. Values
// read from the substrate are validated before they are trusted; bad
// writes degrade to the default instead of poisoning consumers.
func (c *Client) lookup(ctx context.Context, key string) string {
	spec, ok := Lookup(key)
	if !ok {
		c.logger.Error().Str("key", key).Msg("unknown config key requested")
		return ""
	}

	if cached, found := c.cache.Get(key); found {
		metrics.ConfigCacheHits.Inc()
		return cached.(string)
	}
	metrics.ConfigCacheMisses.Inc()

	value, found, err := c.queue.Get(ctx, queue.ConfigKey(key))
	if err != nil {
		// substrate unreachable, serve the default uncached so the next
		// call retries
		c.logger.Warn().Err(err).Str("key", key).Msg("config read failed, using default")
		return spec.Default
	}
	if !found {
		value = spec.Default
	} else if err := spec.Validate(value); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Str("value", value).Msg("invalid config value, using default")
		value = spec.Default
	}

	c.cache.Set(key, value, gocache.DefaultExpiration)
	return value
}
