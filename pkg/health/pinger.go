package health

import (
	"context"
	"time"
)

// Pinger is satisfied by the substrate client and the store
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueChecker probes the substrate connection
type QueueChecker struct {
	pinger Pinger
}

// NewQueueChecker creates a substrate checker
func NewQueueChecker(p Pinger) *QueueChecker {
	return &QueueChecker{pinger: p}
}

// Check performs the probe
func (c *QueueChecker) Check(ctx context.Context) Result {
	return pingResult(ctx, c.pinger)
}

// Type returns the check type
func (c *QueueChecker) Type() CheckType {
	return CheckTypeQueue
}

// DatabaseChecker probes the database connection
type DatabaseChecker struct {
	pinger Pinger
}

// NewDatabaseChecker creates a database checker
func NewDatabaseChecker(p Pinger) *DatabaseChecker {
	return &DatabaseChecker{pinger: p}
}

// Check performs the probe
func (c *DatabaseChecker) Check(ctx context.Context) Result {
	return pingResult(ctx, c.pinger)
}

// Type returns the check type
func (c *DatabaseChecker) Type() CheckType {
	return CheckTypeDatabase
}

func pingResult(ctx context.Context, p Pinger) Result {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Result{
			Message:   err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
