package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDepthSource struct {
	depths map[string]int64
	keys   map[string][]string
}

func (f *fakeDepthSource) Depth(_ context.Context, queue string) (int64, error) {
	return f.depths[queue], nil
}

func (f *fakeDepthSource) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	return f.keys[pattern], nil
}

func TestCollectorSamplesDepths(t *testing.T) {
	source := &fakeDepthSource{
		depths: map[string]int64{
			"mutt:ingest_queue":          42,
			"mutt:dlq:moog":              3,
			"mutt:processing:alerter:w1": 2,
			"mutt:processing:alerter:w2": 1,
		},
		keys: map[string][]string{
			"mutt:processing:alerter:*": {
				"mutt:processing:alerter:w1",
				"mutt:processing:alerter:w2",
			},
		},
	}

	c := NewCollector(source, []string{"mutt:ingest_queue", "mutt:dlq:moog"}, []string{"alerter"})
	c.collect()

	assert.Equal(t, 42.0, testutil.ToFloat64(QueueDepth.WithLabelValues("ingest_queue")))
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth.WithLabelValues("dlq:moog")))
	assert.Equal(t, 3.0, testutil.ToFloat64(ProcessingDepth.WithLabelValues("alerter")))
}

func TestShortQueueName(t *testing.T) {
	tests := []struct {
		name  string
		queue string
		want  string
	}{
		{name: "prefixed queue", queue: "mutt:alert_queue", want: "alert_queue"},
		{name: "prefixed dlq", queue: "mutt:dlq:alerter", want: "dlq:alerter"},
		{name: "already short", queue: "quarantine", want: "quarantine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, shortQueueName(tt.queue))
		})
	}
}
