package health

import (
	"context"
	"time"
)

// CheckType represents the kind of dependency being probed
type CheckType string

const (
	CheckTypeHTTP     CheckType = "http"
	CheckTypeQueue    CheckType = "queue"
	CheckTypeDatabase CheckType = "database"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface all health checkers implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the kind of check
	Type() CheckType
}

// Config contains common settings for repeated checks
type Config struct {
	// Interval is the time between checks
	Interval time.Duration

	// Timeout is the maximum time one check may take
	Timeout time.Duration

	// Retries is the number of consecutive failures before a
	// dependency is considered down
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status tracks the rolling health of one dependency. It adds
// hysteresis on top of raw results so a single blip does not flap the
// consumer's behavior.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus creates a Status that assumes healthy until proven otherwise
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds a new check result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}
