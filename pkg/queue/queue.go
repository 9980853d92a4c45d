package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
)

// Config holds substrate connection settings. Password is the CURRENT
// credential slot; NextPassword is the NEXT slot tried on auth failure.
type Config struct {
	Addr         string
	Username     string
	Password     string
	NextPassword string
	DB           int
	DialTimeout  time.Duration
}

// Client is the queue substrate client shared by every pipeline service.
// Queues are Redis lists: enqueue appends to the tail, consumers pop from
// the head, so each list is FIFO in the absence of retries and recovery.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to the substrate and verifies the connection with a ping.
// When the CURRENT credential is rejected and a NEXT credential is
// configured, the connection is retried with NEXT before failing.
func New(cfg *Config) (*Client, error) {
	logger := log.WithComponent("queue")

	rdb, err := dial(cfg, cfg.Password)
	if err != nil {
		if cfg.NextPassword != "" && isAuthError(err) {
			logger.Warn().Msg("substrate rejected current credentials, trying next slot")
			rdb, err = dial(cfg, cfg.NextPassword)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to queue substrate: %w", err)
		}
	}

	return &Client{rdb: rdb, logger: logger}, nil
}

func dial(cfg *Config, password string) (*redis.Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "invalid password") ||
		strings.Contains(msg, "invalid username-password")
}

// Close releases the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the substrate is reachable
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("substrate ping failed: %w", err)
	}
	return nil
}

// Enqueue appends a payload to the tail of a queue
func (c *Client) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", queue, err)
	}
	return nil
}

// AtomicStage pops the head of src and appends it to the tail of the
// stage list in one server-side operation, blocking up to timeout.
// Returns "" when the wait timed out with nothing to consume.
func (c *Client) AtomicStage(ctx context.Context, src, stage string, timeout time.Duration) (string, error) {
	raw, err := c.rdb.BLMove(ctx, src, stage, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stage from %s: %w", src, err)
	}
	return raw, nil
}

// Move pops the head of src and appends it to the tail of dst in one
// server-side operation, without blocking. Returns "" when src is empty.
// Used for crash recovery: draining an orphaned stage list item by item
// means a sweep interrupted mid-way never loses or duplicates a payload.
func (c *Client) Move(ctx context.Context, src, dst string) (string, error) {
	raw, err := c.rdb.LMove(ctx, src, dst, "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to move from %s to %s: %w", src, dst, err)
	}
	return raw, nil
}

// Ack removes the first occurrence of the staged payload from the stage
// list. The payload must be the exact bytes returned by AtomicStage;
// requeued copies carry mutated annotations and therefore never collide.
func (c *Client) Ack(ctx context.Context, stage, raw string) error {
	removed, err := c.rdb.LRem(ctx, stage, 1, raw).Result()
	if err != nil {
		return fmt.Errorf("failed to ack on %s: %w", stage, err)
	}
	if removed == 0 {
		// Already reclaimed by a janitor sweep; the duplicate is handled
		// downstream via correlation_id dedupe.
		c.logger.Debug().Str("stage", stage).Msg("ack found no staged entry")
	}
	return nil
}

// RequeueHead pushes a payload to the head of a queue so it is consumed
// next (used when the consumer itself is pausing, not the payload's fault).
func (c *Client) RequeueHead(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to requeue head of %s: %w", queue, err)
	}
	return nil
}

// RequeueTail pushes a payload to the tail of a queue (used for retries,
// so the payload waits behind current traffic).
func (c *Client) RequeueTail(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to requeue tail of %s: %w", queue, err)
	}
	return nil
}

// Remove deletes the first occurrence of a payload from a queue and
// reports whether anything matched.
func (c *Client) Remove(ctx context.Context, queue, payload string) (bool, error) {
	removed, err := c.rdb.LRem(ctx, queue, 1, payload).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove from %s: %w", queue, err)
	}
	return removed > 0, nil
}

// PopHead removes and returns the head of a queue without blocking.
// Returns "" when the queue is empty.
func (c *Client) PopHead(ctx context.Context, queue string) (string, error) {
	raw, err := c.rdb.LPop(ctx, queue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop head of %s: %w", queue, err)
	}
	return raw, nil
}

// Depth returns the number of entries in a queue
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	depth, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queue, err)
	}
	return depth, nil
}

// Peek returns a range of queue entries without removing them
func (c *Client) Peek(ctx context.Context, queue string, start, stop int64) ([]string, error) {
	entries, err := c.rdb.LRange(ctx, queue, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek %s: %w", queue, err)
	}
	return entries, nil
}

// SetWithTTL stores a value under key with an expiry
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key. The second return is false when the
// key does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// IncrWithTTL increments a counter and refreshes its expiry, giving the
// counter a sliding window. Returns the new count.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// HIncrWithTTL increments a hash field and refreshes the hash expiry
func (c *Client) HIncrWithTTL(ctx context.Context, key, field string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment %s.%s: %w", key, field, err)
	}
	return nil
}

// HGetAll returns every field of a hash; missing keys yield an empty map
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return fields, nil
}

// ScanKeys returns every key matching pattern
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Publish sends a message on a pub/sub topic
func (c *Client) Publish(ctx context.Context, topic, message string) error {
	if err := c.rdb.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscription is a live pub/sub subscription. Messages arrive on C;
// slow consumers drop messages rather than block the substrate reader.
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan string
}

// Close terminates the subscription and closes C
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe opens a subscription on a pub/sub topic. The call returns
// after the subscription is confirmed by the substrate.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- msg.Payload:
			default:
				c.logger.Warn().Str("topic", topic).Msg("dropping pub/sub message for slow consumer")
			}
		}
	}()

	return &Subscription{pubsub: ps, C: out}, nil
}

// RunScript executes a server-side script with EVALSHA, loading it on
// first use. Scripts are how the limiter and breaker stay atomic across
// every service instance.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	return res, nil
}
