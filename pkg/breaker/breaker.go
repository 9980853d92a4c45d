package breaker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
)

// State is a circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Gauge returns the numeric encoding exported on the state metric
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

// The breaker's state machine runs entirely in server-side scripts so
// transitions are atomic across every deliverer instance. Keys:
//
//	KEYS[1] = state ("closed" when absent)
//	KEYS[2] = consecutive failure count
//	KEYS[3] = unix second the circuit last opened

// allowScript answers whether a delivery may proceed. An open circuit
// flips to half-open once the open duration has elapsed; half-open admits
// probe requests.
//
// ARGV[1] = now (unix seconds), ARGV[2] = open duration (seconds)
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if not state or state == 'closed' then
  return {'closed', 1, 0}
end
if state == 'open' then
  local opened = tonumber(redis.call('GET', KEYS[3]) or '0')
  local remaining = opened + tonumber(ARGV[2]) - tonumber(ARGV[1])
  if remaining <= 0 then
    redis.call('SET', KEYS[1], 'half_open')
    return {'half_open', 1, 0}
  end
  return {'open', 0, remaining}
end
return {'half_open', 1, 0}
`)

// successScript records a delivery success: a half-open probe closes the
// circuit, and any success clears the consecutive failure count.
var successScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[2], 0)
if state == 'half_open' then
  redis.call('SET', KEYS[1], 'closed')
  redis.call('DEL', KEYS[3])
  return 'closed'
end
if not state then
  return 'closed'
end
return state
`)

// failureScript records a transient delivery failure: a failed half-open
// probe reopens immediately; a closed circuit opens once consecutive
// failures reach the threshold.
//
// ARGV[1] = now (unix seconds), ARGV[2] = failure threshold
var failureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if state == 'half_open' then
  redis.call('SET', KEYS[1], 'open')
  redis.call('SET', KEYS[3], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2])
  return {'open', tonumber(ARGV[2])}
end
if state == 'open' then
  local failures = tonumber(redis.call('GET', KEYS[2]) or '0')
  return {'open', failures}
end
local failures = redis.call('INCR', KEYS[2])
if failures >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[1], 'open')
  redis.call('SET', KEYS[3], ARGV[1])
  return {'open', failures}
end
return {'closed', failures}
`)

// Decision is the outcome of one breaker consultation
type Decision struct {
	Allowed bool
	State   State
	// RetryIn is how long until an open circuit admits a probe
	RetryIn time.Duration
}

// Breaker is a three-state circuit breaker whose state lives in the
// queue substrate, shared by every deliverer instance.
type Breaker struct {
	client    *queue.Client
	logger    zerolog.Logger
	lastState atomic.Value
}

// New creates a breaker over the Moog circuit keys
func New(client *queue.Client) *Breaker {
	b := &Breaker{
		client: client,
		logger: log.WithComponent("breaker"),
	}
	b.lastState.Store(StateClosed)
	return b
}

func circuitKeys() []string {
	return []string{queue.CircuitStateKey, queue.CircuitFailuresKey, queue.CircuitOpenedAtKey}
}

// Allow reports whether a delivery attempt may proceed right now
func (b *Breaker) Allow(ctx context.Context, openDuration time.Duration) (*Decision, error) {
	res, err := b.client.RunScript(ctx, allowScript, circuitKeys(),
		time.Now().Unix(), int64(openDuration.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to consult circuit breaker: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("unexpected circuit breaker reply: %v", res)
	}

	d := &Decision{
		State:   State(asString(reply[0])),
		Allowed: asInt64(reply[1]) == 1,
	}
	if remaining := asInt64(reply[2]); remaining > 0 {
		d.RetryIn = time.Duration(remaining) * time.Second
	}
	b.observe(d.State)
	return d, nil
}

// RecordSuccess reports a successful delivery and returns the resulting state
func (b *Breaker) RecordSuccess(ctx context.Context) (State, error) {
	res, err := b.client.RunScript(ctx, successScript, circuitKeys())
	if err != nil {
		return "", fmt.Errorf("failed to record delivery success: %w", err)
	}
	state := State(asString(res))
	b.observe(state)
	return state, nil
}

// RecordFailure reports a transient delivery failure and returns the
// resulting state plus the consecutive failure count.
func (b *Breaker) RecordFailure(ctx context.Context, threshold int) (State, int64, error) {
	res, err := b.client.RunScript(ctx, failureScript, circuitKeys(),
		time.Now().Unix(), threshold)
	if err != nil {
		return "", 0, fmt.Errorf("failed to record delivery failure: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return "", 0, fmt.Errorf("unexpected circuit breaker reply: %v", res)
	}
	state := State(asString(reply[0]))
	failures := asInt64(reply[1])
	b.observe(state)
	return state, failures, nil
}

// Snapshot reads the current state and failure count without mutating them
func (b *Breaker) Snapshot(ctx context.Context) (State, int64, error) {
	state := StateClosed
	if raw, found, err := b.client.Get(ctx, queue.CircuitStateKey); err != nil {
		return "", 0, err
	} else if found {
		state = State(raw)
	}

	var failures int64
	if raw, found, err := b.client.Get(ctx, queue.CircuitFailuresKey); err != nil {
		return "", 0, err
	} else if found {
		fmt.Sscanf(raw, "%d", &failures)
	}
	return state, failures, nil
}

// observe exports the state gauge and counts transitions seen by this
// instance.
func (b *Breaker) observe(state State) {
	metrics.CircuitState.Set(state.Gauge())
	prev := b.lastState.Swap(state).(State)
	if prev != state {
		metrics.CircuitTransitions.WithLabelValues(string(state)).Inc()
		b.logger.Warn().
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("circuit breaker state changed")
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
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
