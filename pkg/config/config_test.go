package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/queue"
)

func newTestClient(t *testing.T, opts ...Option) (*Client, *queue.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := queue.New(&queue.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return NewClient(q, opts...), q, mr
}

func TestDefaultsWhenUnset(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	assert.Equal(t, 10000, client.Int(ctx, KeyMaxIngestQueueSize))
	assert.Equal(t, ShedModeDLQ, client.String(ctx, KeyShedMode))
	assert.Equal(t, 0.995, client.Float(ctx, KeySLOTarget))
	assert.Equal(t, 60*time.Second, client.Duration(ctx, KeyBreakerOpenDuration))
	assert.Equal(t, 250*time.Millisecond, client.Duration(ctx, KeyDeferSleep))
	assert.Equal(t, 24*time.Hour, client.Duration(ctx, KeyUnhandledWindow))
}

func TestReadsSubstrateValue(t *testing.T) {
	client, _, mr := newTestClient(t)
	mr.Set(queue.ConfigKey(KeyMoogMaxRetries), "8")

	assert.Equal(t, 8, client.Int(context.Background(), KeyMoogMaxRetries))
}

func TestInvalidValuesFallBackToDefault(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(t *testing.T, c *Client)
	}{
		{
			name: "bad enum", key: KeyShedMode, value: "explode",
			check: func(t *testing.T, c *Client) {
				assert.Equal(t, ShedModeDLQ, c.String(context.Background(), KeyShedMode))
			},
		},
		{
			name: "negative size", key: KeyMaxIngestQueueSize, value: "-5",
			check: func(t *testing.T, c *Client) {
				assert.Equal(t, 10000, c.Int(context.Background(), KeyMaxIngestQueueSize))
			},
		},
		{
			name: "ratio above one", key: KeySLOTarget, value: "1.5",
			check: func(t *testing.T, c *Client) {
				assert.Equal(t, 0.995, c.Float(context.Background(), KeySLOTarget))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, mr := newTestClient(t)
			mr.Set(queue.ConfigKey(tt.key), tt.value)
			tt.check(t, client)
		})
	}
}

func TestUnknownKey(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	assert.Equal(t, "", client.String(ctx, "config.not_registered"))
	assert.Equal(t, 0, client.Int(ctx, "config.not_registered"))
	assert.Equal(t, time.Duration(0), client.Duration(ctx, KeyShedMode))
}

func TestCacheServesUntilInvalidated(t *testing.T) {
	client, q, mr := newTestClient(t)
	ctx := context.Background()

	mr.Set(queue.ConfigKey(KeyMoogMaxRetries), "8")
	require.Equal(t, 8, client.Int(ctx, KeyMoogMaxRetries))

	// a direct substrate write is invisible until the TTL or a
	// notification invalidates the cached value
	mr.Set(queue.ConfigKey(KeyMoogMaxRetries), "9")
	assert.Equal(t, 8, client.Int(ctx, KeyMoogMaxRetries))

	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	notification := (&events.Event{Type: events.EventConfigUpdated, Key: KeyMoogMaxRetries}).Notification()
	require.NoError(t, q.Publish(ctx, queue.ConfigUpdatesTopic, notification))

	assert.Eventually(t, func() bool {
		return client.Int(ctx, KeyMoogMaxRetries) == 9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchForwardsToBroker(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	client, q, _ := newTestClient(t, WithBroker(broker))
	ctx := context.Background()

	sub := broker.Subscribe()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	require.NoError(t, q.Publish(ctx, queue.ConfigUpdatesTopic, "rules"))

	select {
	case event := <-sub:
		assert.Equal(t, events.EventRulesChanged, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}
