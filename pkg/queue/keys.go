package queue

import "strings"

// All substrate keys live under a single prefix so operators can inspect
// pipeline state with one SCAN.
const (
	KeyPrefix = "mutt:"

	IngestQueue = "mutt:ingest_queue"
	AlertQueue  = "mutt:alert_queue"

	DLQAlerter = "mutt:dlq:alerter"
	DLQMoog    = "mutt:dlq:moog"
	Quarantine = "mutt:quarantine"

	RateLimitKey = "mutt:rate_limit:moog"

	CircuitStateKey    = "mutt:circuit:moog:state"
	CircuitFailuresKey = "mutt:circuit:moog:failures"
	CircuitOpenedAtKey = "mutt:circuit:moog:opened_at"

	ConfigPrefix       = "mutt:config:"
	ConfigUpdatesTopic = "mutt:config:updates"

	UnhandledPrefix = "mutt:unhandled:"
	SLOPrefix       = "mutt:slo:"
)

// Pipeline stage names, used in processing-list and heartbeat keys
const (
	StageAlerter = "alerter"
	StageMoog    = "moog"
)

// ProcessingKey returns the staging list for one worker at one stage
func ProcessingKey(stage, workerID string) string {
	return "mutt:processing:" + stage + ":" + workerID
}

// HeartbeatKey returns the liveness key for one worker at one stage
func HeartbeatKey(stage, workerID string) string {
	return "mutt:heartbeat:" + stage + ":" + workerID
}

// ProcessingPattern returns the SCAN pattern covering every worker's
// staging list at one stage.
func ProcessingPattern(stage string) string {
	return "mutt:processing:" + stage + ":*"
}

// WorkerFromProcessingKey extracts the worker id from a staging list key.
// Returns "" when the key is not a processing key for the given stage.
func WorkerFromProcessingKey(stage, key string) string {
	prefix := "mutt:processing:" + stage + ":"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

// SourceQueueFor maps a stage to the queue its workers consume, which is
// where the janitor returns orphaned items.
func SourceQueueFor(stage string) string {
	switch stage {
	case StageAlerter:
		return IngestQueue
	case StageMoog:
		return AlertQueue
	}
	return ""
}

// ConfigKey returns the substrate key holding one dynamic config value.
// Logical names carry a `config.` namespace; on the substrate that
// namespace becomes the key prefix, so `config.shed_mode` lives at
// `mutt:config:shed_mode`.
func ConfigKey(name string) string {
	return ConfigPrefix + strings.TrimPrefix(name, "config.")
}

// UnhandledKey returns the counter key for one unhandled-pattern signature
func UnhandledKey(signature string) string {
	return UnhandledPrefix + signature
}
