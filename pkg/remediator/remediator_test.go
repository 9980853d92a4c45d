package remediator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/health"
	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/types"
)

// fakeGate stands in for the webhook probe
type fakeGate struct {
	mu      sync.Mutex
	healthy bool
	checks  int
}

func (g *fakeGate) Check(ctx context.Context) health.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	return health.Result{Healthy: g.healthy, Message: "stub", CheckedAt: time.Now()}
}

func (g *fakeGate) Type() health.CheckType { return health.CheckTypeHTTP }

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks
}

func newTestRemediator(t *testing.T) (*Service, *fakeGate, *queue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := queue.New(&queue.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	svc, err := New(Config{
		Queue:      q,
		Config:     config.NewClient(q),
		WebhookURL: "http://moog.invalid/webhook",
	})
	require.NoError(t, err)

	gate := &fakeGate{healthy: true}
	svc.gate = gate
	return svc, gate, q, mr
}

func deadLetter(t *testing.T, hostname string, retries int, lastRetry *time.Time) string {
	t.Helper()
	sev := 4
	env := types.NewEnvelope(types.Event{
		Timestamp:      time.Now().UTC(),
		Hostname:       hostname,
		Message:        "interface down",
		Source:         "syslog",
		SyslogSeverity: &sev,
	})
	env.RetryCount = retries
	env.LastRetryAt = lastRetry
	if retries > 0 {
		env.LastError = "webhook returned status 503"
	}
	data, err := env.Encode()
	require.NoError(t, err)
	return string(data)
}

func parseQueueHead(t *testing.T, q *queue.Client, name string) *types.Envelope {
	t.Helper()
	entries, err := q.Peek(context.Background(), name, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	env, err := types.ParseEnvelope([]byte(entries[0]))
	require.NoError(t, err)
	return env
}

func queueDepth(t *testing.T, q *queue.Client, name string) int64 {
	t.Helper()
	depth, err := q.Depth(context.Background(), name)
	require.NoError(t, err)
	return depth
}

func TestCycleReplaysAlerterDeadLetter(t *testing.T) {
	svc, gate, q, _ := newTestRemediator(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte(deadLetter(t, "core-sw-1", 0, nil))))

	svc.cycle()

	env := parseQueueHead(t, q, queue.IngestQueue)
	assert.Equal(t, "core-sw-1", env.Hostname)
	assert.Equal(t, 1, env.RetryCount)
	require.NotNil(t, env.LastRetryAt)
	assert.WithinDuration(t, time.Now().UTC(), *env.LastRetryAt, 5*time.Second)

	assert.Zero(t, queueDepth(t, q, queue.DLQAlerter))
	// The webhook only gates its own dead letters, and that queue was empty
	assert.Zero(t, gate.count())
}

func TestCycleQuarantinesExhaustedRetries(t *testing.T) {
	svc, _, q, _ := newTestRemediator(t)
	ctx := context.Background()

	// Already at the retry ceiling when it arrives, so it is never replayed
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte(deadLetter(t, "core-sw-1", 3, &past))))

	svc.cycle()

	env := parseQueueHead(t, q, queue.Quarantine)
	assert.Equal(t, 3, env.RetryCount)
	require.NotNil(t, env.PoisonedAt)
	assert.WithinDuration(t, time.Now().UTC(), *env.PoisonedAt, 5*time.Second)

	assert.Zero(t, queueDepth(t, q, queue.IngestQueue))
	assert.Zero(t, queueDepth(t, q, queue.DLQAlerter))
}

func TestCycleDefersRecentRetry(t *testing.T) {
	svc, _, q, _ := newTestRemediator(t)
	ctx := context.Background()

	deferredBefore := testutil.ToFloat64(metrics.RemediationsTotal.WithLabelValues(queue.DLQAlerter, outcomeDeferred))

	// Two retries means four seconds of spacing, which has not elapsed
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte(deadLetter(t, "core-sw-1", 2, &now))))

	svc.cycle()

	env := parseQueueHead(t, q, queue.DLQAlerter)
	assert.Equal(t, 2, env.RetryCount)
	assert.Zero(t, queueDepth(t, q, queue.IngestQueue))
	assert.Zero(t, queueDepth(t, q, queue.Quarantine))

	deferredAfter := testutil.ToFloat64(metrics.RemediationsTotal.WithLabelValues(queue.DLQAlerter, outcomeDeferred))
	assert.Equal(t, float64(1), deferredAfter-deferredBefore)
}

func TestCycleReplaysAfterSpacingElapsed(t *testing.T) {
	svc, _, q, _ := newTestRemediator(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-5 * time.Second)
	require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte(deadLetter(t, "core-sw-1", 2, &past))))

	svc.cycle()

	env := parseQueueHead(t, q, queue.IngestQueue)
	assert.Equal(t, 3, env.RetryCount)
	assert.Zero(t, queueDepth(t, q, queue.DLQAlerter))
}

func TestCycleHoldsWebhookDeadLettersWhileUnreachable(t *testing.T) {
	svc, gate, q, _ := newTestRemediator(t)
	ctx := context.Background()
	gate.healthy = false

	require.NoError(t, q.Enqueue(ctx, queue.DLQMoog, []byte(deadLetter(t, "core-sw-1", 1, nil))))

	svc.cycle()

	// Replaying now would only bounce the alert straight back
	assert.Equal(t, int64(1), queueDepth(t, q, queue.DLQMoog))
	assert.Zero(t, queueDepth(t, q, queue.AlertQueue))
	assert.Equal(t, 1, gate.count())

	gate.healthy = true
	svc.cycle()

	env := parseQueueHead(t, q, queue.AlertQueue)
	assert.Equal(t, 2, env.RetryCount)
	assert.Zero(t, queueDepth(t, q, queue.DLQMoog))
	assert.Equal(t, 2, gate.count())
}

func TestCycleQuarantinesMalformedDeadLetter(t *testing.T) {
	svc, _, q, _ := newTestRemediator(t)
	ctx := context.Background()

	quarantinedBefore := testutil.ToFloat64(metrics.RemediationsTotal.WithLabelValues(queue.DLQAlerter, outcomeQuarantined))

	require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte("{this is not an envelope")))

	svc.cycle()

	entries, err := q.Peek(ctx, queue.Quarantine, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "{this is not an envelope", entries[0], "malformed bytes are parked unchanged")
	assert.Zero(t, queueDepth(t, q, queue.DLQAlerter))

	quarantinedAfter := testutil.ToFloat64(metrics.RemediationsTotal.WithLabelValues(queue.DLQAlerter, outcomeQuarantined))
	assert.Equal(t, float64(1), quarantinedAfter-quarantinedBefore)
}

func TestCycleBoundsBatchSize(t *testing.T) {
	svc, _, q, mr := newTestRemediator(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(queue.ConfigKey(config.KeyDLQBatchSize), "2"))

	for _, host := range []string{"sw-1", "sw-2", "sw-3"} {
		require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte(deadLetter(t, host, 0, nil))))
	}

	svc.cycle()

	assert.Equal(t, int64(2), queueDepth(t, q, queue.IngestQueue))
	assert.Equal(t, int64(1), queueDepth(t, q, queue.DLQAlerter))
}

func TestRemediatorStartStop(t *testing.T) {
	svc, _, q, _ := newTestRemediator(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.DLQAlerter, []byte(deadLetter(t, "core-sw-1", 0, nil))))

	svc.Start()
	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background(), queue.IngestQueue)
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond, "the first scan runs immediately")
	svc.Stop()
}
