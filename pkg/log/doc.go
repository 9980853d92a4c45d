/*
Package log provides structured logging for all services, built on
zerolog.

Every service initializes the global logger once at startup and
derives child loggers with bound fields. Log lines are structured
key/value events, emitted as JSON in production or human-readable
console output in development. A correlation id bound at ingest
follows an event through every stage, so one grep reconstructs its
full path through the pipeline.

# Core Components

  - Init: configures the global logger from Config
  - Logger: the global zerolog instance
  - WithComponent, WithWorker, WithCorrelationID, WithQueue: child
    loggers with bound fields
  - Info, Debug, Warn, Error, Fatal: shorthands for one-line events

# Log Levels

Four levels, set once at Init:

  - debug: per-event detail (payload staging, cache hits, drops)
  - info: lifecycle transitions (startup, shutdown, config changes)
  - warn: degraded but operating (retries, breaker opens, shedding)
  - error: failed operations needing attention

An unknown level falls back to info.

# Standard Fields

Services bind a consistent vocabulary so lines aggregate cleanly:

	component        package emitting the line ("alerter", "queue")
	stage            pipeline stage a worker consumes
	worker_id        stable worker identity
	correlation_id   event identity, bound at ingest
	queue            substrate key being operated on

# Usage

Startup, once per process:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component logger with bound fields:

	logger := log.WithComponent("forwarder")
	logger.Warn().
		Int("attempt", attempt).
		Dur("backoff", pause).
		Msg("delivery failed, retrying")

Following one event:

	logger := log.WithCorrelationID(env.CorrelationID)
	logger.Debug().Msg("matched rule")

# Integration Points

Every package logs through this one. Tests that assert on log output
pass a bytes.Buffer as Config.Output.

# Thread Safety

zerolog loggers are immutable; derived loggers and concurrent writes
are safe. Init is not synchronized and must happen before the first
log call.

# See Also

  - pkg/metrics for the numeric side of observability
*/
package log
