package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
)

// slidingWindowScript admits a request when fewer than ARGV[3] admissions
// fall inside the trailing window. The whole decision runs server-side so
// every deliverer instance draws from the same budget. Denials return how
// long until the eldest admission leaves the window.
//
// KEYS[1] = admission sorted set
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = window (milliseconds)
// ARGV[3] = max requests per window
// ARGV[4] = unique admission member
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window + 1000)
  return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local wait = 0
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {0, count, wait}
`)

// Decision is the outcome of one limiter consultation
type Decision struct {
	Allowed bool
	// Count is the number of admissions inside the current window,
	// including this one when allowed.
	Count int64
	// Wait is how long until a slot frees up; zero when allowed.
	Wait time.Duration
}

// Limiter is a sliding-window rate limiter whose state lives in the
// queue substrate. Instances are cheap; all of them share one window.
type Limiter struct {
	client *queue.Client
	key    string
	logger zerolog.Logger
}

// New creates a limiter over the given substrate key
func New(client *queue.Client, key string) *Limiter {
	return &Limiter{
		client: client,
		key:    key,
		logger: log.WithComponent("ratelimit"),
	}
}

// Allow consults the shared window and admits or rejects one request
func (l *Limiter) Allow(ctx context.Context, limit int, window time.Duration) (*Decision, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	res, err := l.client.RunScript(ctx, slidingWindowScript, []string{l.key},
		now, window.Milliseconds(), limit, member)
	if err != nil {
		return nil, fmt.Errorf("failed to consult rate limiter: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("unexpected rate limiter reply: %v", res)
	}

	d := &Decision{
		Allowed: asInt64(reply[0]) == 1,
		Count:   asInt64(reply[1]),
	}
	if waitMs := asInt64(reply[2]); waitMs > 0 {
		d.Wait = time.Duration(waitMs) * time.Millisecond
	}

	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues("throttled").Inc()
		l.logger.Debug().
			Int64("count", d.Count).
			Dur("wait", d.Wait).
			Msg("request throttled")
	}
	return d, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
