package metrics

import (
	"context"
	"strings"
	"time"
)

// DepthSource is the slice of the queue substrate the collector reads.
// Implemented by queue.Client.
type DepthSource interface {
	Depth(ctx context.Context, queue string) (int64, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Collector periodically samples queue, DLQ and processing-list depths
// into the depth gauges.
type Collector struct {
	source DepthSource
	queues []string
	stages []string
	stopCh chan struct{}
}

// NewCollector creates a depth collector over the named queues and stages
func NewCollector(source DepthSource, queues, stages []string) *Collector {
	return &Collector{
		source: source,
		queues: queues,
		stages: stages,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting depths every 15 seconds
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, q := range c.queues {
		depth, err := c.source.Depth(ctx, q)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(shortQueueName(q)).Set(float64(depth))
	}

	for _, stage := range c.stages {
		keys, err := c.source.ScanKeys(ctx, "mutt:processing:"+stage+":*")
		if err != nil {
			continue
		}
		var total int64
		for _, key := range keys {
			depth, err := c.source.Depth(ctx, key)
			if err != nil {
				continue
			}
			total += depth
		}
		ProcessingDepth.WithLabelValues(stage).Set(float64(total))
	}
}

// shortQueueName strips the key prefix so gauge labels stay readable
// (mutt:dlq:moog -> dlq:moog).
func shortQueueName(queue string) string {
	return strings.TrimPrefix(queue, "mutt:")
}
