package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func testConfig(workerID string) Config {
	return Config{
		Stage:        queue.StageAlerter,
		WorkerID:     workerID,
		StageTimeout: 100 * time.Millisecond,
		ErrorPause:   10 * time.Millisecond,
	}
}

func TestNewConsumerValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := NewConsumer(q, Config{Stage: "mailer", WorkerID: "w1"}, HandlerFunc(nil))
	assert.ErrorContains(t, err, "unknown pipeline stage")

	_, err = NewConsumer(q, Config{Stage: queue.StageAlerter}, HandlerFunc(nil))
	assert.ErrorContains(t, err, "worker id is required")
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	handler := HandlerFunc(func(ctx context.Context, payload string) error {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
		return nil
	})

	consumer, err := NewConsumer(q, testConfig("w1"), handler)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(`{"hostname":"a"}`)))
	require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(`{"hostname":"b"}`)))

	consumer.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(stopCtx))

	// both items were acked out of the processing list
	depth, err := q.Depth(ctx, queue.ProcessingKey(queue.StageAlerter, "w1"))
	require.NoError(t, err)
	assert.Zero(t, depth)

	mu.Lock()
	assert.ElementsMatch(t, []string{`{"hostname":"a"}`, `{"hostname":"b"}`}, seen)
	mu.Unlock()
}

func TestConsumerRetriesFailedDisposition(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	handler := HandlerFunc(func(ctx context.Context, payload string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("database unavailable")
		}
		return nil
	})

	consumer, err := NewConsumer(q, testConfig("w1"), handler)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(`{"hostname":"flaky"}`)))

	consumer.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(stopCtx))

	depth, err := q.Depth(ctx, queue.ProcessingKey(queue.StageAlerter, "w1"))
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestConsumerLeavesItemStagedOnShutdown(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, payload string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return errors.New("still down")
	})

	consumer, err := NewConsumer(q, testConfig("w1"), handler)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(`{"hostname":"stuck"}`)))

	consumer.Start()
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(stopCtx))

	// the undispositioned item remains staged for recovery
	depth, err := q.Depth(ctx, queue.ProcessingKey(queue.StageAlerter, "w1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestConsumerConcurrency(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]bool{}
	handler := HandlerFunc(func(ctx context.Context, payload string) error {
		mu.Lock()
		seen[payload] = true
		mu.Unlock()
		return nil
	})

	cfg := testConfig("w1")
	cfg.Concurrency = 3
	consumer, err := NewConsumer(q, cfg, handler)
	require.NoError(t, err)

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`}
	for _, p := range payloads {
		require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(p)))
	}

	consumer.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(payloads)
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(stopCtx))
}

func TestConsumerRunsBeforeStageHook(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	cfg := testConfig("w1")
	cfg.BeforeStage = func(ctx context.Context) {
		mu.Lock()
		order = append(order, "before")
		mu.Unlock()
	}
	handler := HandlerFunc(func(ctx context.Context, payload string) error {
		mu.Lock()
		order = append(order, "handle")
		mu.Unlock()
		return nil
	})

	consumer, err := NewConsumer(q, cfg, handler)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, queue.IngestQueue, []byte(`{"hostname":"a"}`)))

	consumer.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, step := range order {
			if step == "handle" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, "before", order[0])
	assert.Equal(t, "handle", order[1])
}

func TestConsumerReclaimsOwnLeftoversOnStart(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Simulate a previous incarnation of w1 that crashed mid-handle.
	staged := queue.ProcessingKey(queue.StageAlerter, "w1")
	require.NoError(t, q.RequeueTail(ctx, staged, []byte(`{"hostname":"orphan"}`)))

	var mu sync.Mutex
	var handled []string
	handler := HandlerFunc(func(ctx context.Context, payload string) error {
		mu.Lock()
		handled = append(handled, payload)
		mu.Unlock()
		return nil
	})

	consumer, err := NewConsumer(q, testConfig("w1"), handler)
	require.NoError(t, err)
	consumer.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"hostname":"orphan"}`}, handled)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		limit time.Duration
		want  time.Duration
	}{
		{name: "first retry", n: 1, limit: 60 * time.Second, want: 2 * time.Second},
		{name: "doubles per retry", n: 4, limit: 60 * time.Second, want: 16 * time.Second},
		{name: "caps at the limit", n: 7, limit: 60 * time.Second, want: 60 * time.Second},
		{name: "zero counts as one", n: 0, limit: 60 * time.Second, want: 2 * time.Second},
		{name: "huge counts do not overflow", n: 4096, limit: time.Hour, want: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.n, tt.limit))
		})
	}
}
