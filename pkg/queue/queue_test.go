package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := New(&Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestEnqueueStageAck(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, IngestQueue, []byte("first")))
	require.NoError(t, client.Enqueue(ctx, IngestQueue, []byte("second")))

	depth, err := client.Depth(ctx, IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	stage := ProcessingKey(StageAlerter, "w1")
	raw, err := client.AtomicStage(ctx, IngestQueue, stage, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "first", raw, "staging pops from the head")

	// The item now lives in the staging list, not the source queue.
	depth, err = client.Depth(ctx, IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	staged, err := client.Depth(ctx, stage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), staged)

	require.NoError(t, client.Ack(ctx, stage, raw))
	staged, err = client.Depth(ctx, stage)
	require.NoError(t, err)
	assert.Equal(t, int64(0), staged)
}

func TestAtomicStageTimeout(t *testing.T) {
	client, _ := newTestClient(t)

	raw, err := client.AtomicStage(context.Background(), IngestQueue, ProcessingKey(StageAlerter, "w1"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, raw, "empty queue times out with no payload")
}

func TestAckRemovesFirstOccurrenceOnly(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	stage := ProcessingKey(StageMoog, "w1")

	// Two identical payloads staged (e.g. a janitor-recovered duplicate).
	require.NoError(t, client.RequeueTail(ctx, stage, []byte("dup")))
	require.NoError(t, client.RequeueTail(ctx, stage, []byte("dup")))

	require.NoError(t, client.Ack(ctx, stage, "dup"))

	depth, err := client.Depth(ctx, stage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Acking a missing payload is not an error.
	require.NoError(t, client.Ack(ctx, stage, "never-staged"))
}

func TestRequeueOrdering(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, AlertQueue, []byte("b")))
	require.NoError(t, client.RequeueHead(ctx, AlertQueue, []byte("a")))
	require.NoError(t, client.RequeueTail(ctx, AlertQueue, []byte("c")))

	entries, err := client.Peek(ctx, AlertQueue, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, entries)
}

func TestMoveDrainsInOrder(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	staged := ProcessingKey(StageAlerter, "worker-dead")
	require.NoError(t, client.Enqueue(ctx, staged, []byte("first")))
	require.NoError(t, client.Enqueue(ctx, staged, []byte("second")))

	raw, err := client.Move(ctx, staged, IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, "first", raw)

	raw, err = client.Move(ctx, staged, IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, "second", raw)

	raw, err = client.Move(ctx, staged, IngestQueue)
	require.NoError(t, err)
	assert.Empty(t, raw, "drained list moves nothing")

	entries, err := client.Peek(ctx, IngestQueue, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, entries)
}

func TestPopHead(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	raw, err := client.PopHead(ctx, DLQMoog)
	require.NoError(t, err)
	assert.Empty(t, raw, "empty queue pops nothing")

	require.NoError(t, client.Enqueue(ctx, DLQMoog, []byte("x")))
	raw, err = client.PopHead(ctx, DLQMoog)
	require.NoError(t, err)
	assert.Equal(t, "x", raw)
}

func TestKVWithTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, found, err := client.Get(ctx, "mutt:config:missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, client.SetWithTTL(ctx, "mutt:config:x", "1", time.Minute))
	val, found, err := client.Get(ctx, "mutt:config:x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", val)

	mr.FastForward(2 * time.Minute)
	_, found, err = client.Get(ctx, "mutt:config:x")
	require.NoError(t, err)
	assert.False(t, found, "value expires with its TTL")
}

func TestIncrWithTTLSlides(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	key := UnhandledKey("sig-1")

	n, err := client.IncrWithTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(30 * time.Minute)
	n, err = client.IncrWithTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The second increment refreshed the window.
	mr.FastForward(45 * time.Minute)
	n, err = client.IncrWithTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mr.FastForward(2 * time.Hour)
	n, err = client.IncrWithTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter resets after the window lapses")
}

func TestScanKeys(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.RequeueTail(ctx, ProcessingKey(StageAlerter, "w1"), []byte("a")))
	require.NoError(t, client.RequeueTail(ctx, ProcessingKey(StageAlerter, "w2"), []byte("b")))
	require.NoError(t, client.RequeueTail(ctx, ProcessingKey(StageMoog, "w1"), []byte("c")))

	keys, err := client.ScanKeys(ctx, ProcessingPattern(StageAlerter))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		ProcessingKey(StageAlerter, "w1"),
		ProcessingKey(StageAlerter, "w2"),
	}, keys)
}

func TestPublishSubscribe(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, ConfigUpdatesTopic)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, ConfigUpdatesTopic, "config.shed_mode"))

	select {
	case msg := <-sub.C:
		assert.Equal(t, "config.shed_mode", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestTwoSlotCredentialFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("next-secret")

	// CURRENT slot is stale, NEXT works.
	client, err := New(&Config{
		Addr:         mr.Addr(),
		Password:     "stale-secret",
		NextPassword: "next-secret",
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()))
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unrelated error", err: assert.AnError, want: false},
		{name: "wrongpass", err: errors.New("WRONGPASS invalid username-password pair or user is disabled."), want: true},
		{name: "noauth", err: errors.New("NOAUTH Authentication required."), want: true},
		{name: "legacy invalid password", err: errors.New("ERR invalid password"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAuthError(tt.err))
		})
	}
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "mutt:processing:alerter:w1", ProcessingKey(StageAlerter, "w1"))
	assert.Equal(t, "mutt:heartbeat:moog:w2", HeartbeatKey(StageMoog, "w2"))
	assert.Equal(t, "w1", WorkerFromProcessingKey(StageAlerter, "mutt:processing:alerter:w1"))
	assert.Empty(t, WorkerFromProcessingKey(StageMoog, "mutt:processing:alerter:w1"))
	assert.Equal(t, IngestQueue, SourceQueueFor(StageAlerter))
	assert.Equal(t, AlertQueue, SourceQueueFor(StageMoog))
	assert.Empty(t, SourceQueueFor("unknown"))
	assert.Equal(t, "mutt:config:shed_mode", ConfigKey("config.shed_mode"))
	assert.Equal(t, "mutt:unhandled:abc123", UnhandledKey("abc123"))
}
