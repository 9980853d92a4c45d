package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiretel/mutt/pkg/metrics"
	"github.com/spiretel/mutt/pkg/queue"
)

func newTestQueue(t *testing.T) (*queue.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := queue.New(&queue.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func newTestJanitor(t *testing.T, q *queue.Client, workerID string) *Janitor {
	t.Helper()

	j, err := New(q, Config{WorkerID: workerID, Interval: 50 * time.Millisecond})
	require.NoError(t, err)
	return j
}

func TestNewValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := New(q, Config{})
	assert.ErrorContains(t, err, "worker id is required")

	_, err = New(q, Config{WorkerID: "w1", Stages: []string{"mailer"}})
	assert.ErrorContains(t, err, "unknown pipeline stage")
}

func TestSweepRecoversDeadWorker(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// w2 staged two items and died without a heartbeat
	staged := queue.ProcessingKey(queue.StageAlerter, "w2")
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"n":1}`)))
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"n":2}`)))

	before := testutil.ToFloat64(metrics.JanitorRecovered.WithLabelValues(queue.StageAlerter))

	newTestJanitor(t, q, "w1").sweep()

	entries, err := q.Peek(ctx, queue.IngestQueue, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, entries, "recovered items keep their order")

	depth, err := q.Depth(ctx, staged)
	require.NoError(t, err)
	assert.Zero(t, depth)

	after := testutil.ToFloat64(metrics.JanitorRecovered.WithLabelValues(queue.StageAlerter))
	assert.Equal(t, 2.0, after-before)
}

func TestSweepSkipsLiveWorker(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	staged := queue.ProcessingKey(queue.StageAlerter, "w2")
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"n":1}`)))
	require.NoError(t, q.SetWithTTL(ctx, queue.HeartbeatKey(queue.StageAlerter, "w2"), "alive", queue.HeartbeatTTL))

	newTestJanitor(t, q, "w1").sweep()

	depth, err := q.Depth(ctx, staged)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "live worker keeps its staged item")

	depth, err = q.Depth(ctx, queue.IngestQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSweepSkipsOwnList(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Own list with no heartbeat, as in the window before the consumer starts
	staged := queue.ProcessingKey(queue.StageAlerter, "w1")
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"n":1}`)))

	newTestJanitor(t, q, "w1").sweep()

	depth, err := q.Depth(ctx, staged)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSweepRecoversMoogStageToAlertQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	staged := queue.ProcessingKey(queue.StageMoog, "w9")
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"alert":"a"}`)))

	newTestJanitor(t, q, "w1").sweep()

	entries, err := q.Peek(ctx, queue.AlertQueue, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"alert":"a"}`}, entries)
}

func TestStartSweepsImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	staged := queue.ProcessingKey(queue.StageAlerter, "w2")
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"n":1}`)))

	j := newTestJanitor(t, q, "w1")
	j.Start()
	defer j.Stop()

	assert.Eventually(t, func() bool {
		depth, err := q.Depth(ctx, queue.IngestQueue)
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond)
}
