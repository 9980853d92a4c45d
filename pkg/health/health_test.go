package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestQueueChecker(t *testing.T) {
	checker := NewQueueChecker(&fakePinger{})
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got: %s", result.Message)
	}
	if checker.Type() != CheckTypeQueue {
		t.Error("Expected queue check type")
	}
}

func TestDatabaseCheckerFailure(t *testing.T) {
	checker := NewDatabaseChecker(&fakePinger{err: errors.New("connection refused")})
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Error("Expected unhealthy")
	}
	if result.Message != "connection refused" {
		t.Errorf("Expected error message, got: %s", result.Message)
	}
	if checker.Type() != CheckTypeDatabase {
		t.Error("Expected database check type")
	}
}

func TestStatusUpdate(t *testing.T) {
	config := Config{Retries: 2}
	status := NewStatus()

	if !status.Healthy {
		t.Error("Expected new status to assume healthy")
	}

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	// one failure is not enough to flip
	status.Update(fail, config)
	if !status.Healthy {
		t.Error("Expected healthy after a single failure")
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}

	status.Update(fail, config)
	if status.Healthy {
		t.Error("Expected unhealthy after reaching the retry threshold")
	}

	// a single success recovers immediately
	status.Update(ok, config)
	if !status.Healthy {
		t.Error("Expected healthy after success")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure count reset, got %d", status.ConsecutiveFailures)
	}
}
