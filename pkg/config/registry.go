package config

import (
	"fmt"
	"strconv"
	"time"
)

// Key names for every runtime tunable. Values live in the substrate and
// unset keys fall back to the registered default, so a fresh install
// runs with no config rows at all.
const (
	KeyMaxIngestQueueSize      = "config.max_ingest_queue_size"
	KeyAlerterMaxRetries       = "config.alerter_max_retries"
	KeyCacheReloadInterval     = "config.cache_reload_interval_seconds"
	KeyBackpressureWarn        = "config.backpressure_warn_threshold"
	KeyBackpressureShed        = "config.backpressure_shed_threshold"
	KeyShedMode                = "config.shed_mode"
	KeyDeferSleep              = "config.defer_sleep_ms"
	KeyShedDrainBatch          = "config.shed_drain_batch"
	KeyMoogMaxRetries          = "config.moog_max_retries"
	KeyMoogWebhookTimeout      = "config.moog_webhook_timeout_seconds"
	KeyRateLimitMaxRequests    = "config.rate_limit_max_requests"
	KeyRateLimitWindow         = "config.rate_limit_window_seconds"
	KeyBreakerFailureThreshold = "config.breaker_failure_threshold"
	KeyBreakerOpenDuration     = "config.breaker_open_duration_seconds"
	KeyRemediationScanInterval = "config.remediation_scan_interval_seconds"
	KeyDLQBatchSize            = "config.dlq_batch_size"
	KeyMaxRemediationRetries   = "config.max_remediation_retries"
	KeyUnhandledAlertThreshold = "config.unhandled_alert_threshold"
	KeyUnhandledWindow         = "config.unhandled_window_hours"
	KeySLOTarget               = "config.slo_target"
)

// Shed modes for KeyShedMode
const (
	ShedModeDLQ   = "dlq"
	ShedModeDefer = "defer"
)

// Spec describes one registered config key
type Spec struct {
	Key         string
	Default     string
	Description string
	Unit        time.Duration // set for duration keys
	Validate    func(value string) error
}

var registry = []Spec{
	{Key: KeyMaxIngestQueueSize, Default: "10000", Description: "ingest queue depth at which new events are refused", Validate: positiveInt},
	{Key: KeyAlerterMaxRetries, Default: "3", Description: "classification attempts before an event moves to the alerter DLQ", Validate: nonNegativeInt},
	{Key: KeyCacheReloadInterval, Default: "30", Description: "rule cache reload interval", Unit: time.Second, Validate: positiveInt},
	{Key: KeyBackpressureWarn, Default: "1000", Description: "alert queue depth that logs a backpressure warning", Validate: positiveInt},
	{Key: KeyBackpressureShed, Default: "2000", Description: "alert queue depth that triggers load shedding", Validate: positiveInt},
	{Key: KeyShedMode, Default: ShedModeDLQ, Description: "shed strategy when the alert queue is saturated", Validate: enumOf(ShedModeDLQ, ShedModeDefer)},
	{Key: KeyDeferSleep, Default: "250", Description: "pause between events while shedding in defer mode", Unit: time.Millisecond, Validate: nonNegativeInt},
	{Key: KeyShedDrainBatch, Default: "100", Description: "alerts drained per shed cycle in dlq mode", Validate: positiveInt},
	{Key: KeyMoogMaxRetries, Default: "5", Description: "delivery attempts before an alert moves to the webhook DLQ", Validate: nonNegativeInt},
	{Key: KeyMoogWebhookTimeout, Default: "10", Description: "webhook request timeout", Unit: time.Second, Validate: positiveInt},
	{Key: KeyRateLimitMaxRequests, Default: "100", Description: "webhook requests allowed per rate limit window", Validate: positiveInt},
	{Key: KeyRateLimitWindow, Default: "60", Description: "rate limit window", Unit: time.Second, Validate: positiveInt},
	{Key: KeyBreakerFailureThreshold, Default: "5", Description: "consecutive delivery failures that open the circuit", Validate: positiveInt},
	{Key: KeyBreakerOpenDuration, Default: "60", Description: "time the circuit stays open before a probe", Unit: time.Second, Validate: positiveInt},
	{Key: KeyRemediationScanInterval, Default: "60", Description: "DLQ scan interval", Unit: time.Second, Validate: positiveInt},
	{Key: KeyDLQBatchSize, Default: "25", Description: "items examined per DLQ per remediation cycle", Validate: positiveInt},
	{Key: KeyMaxRemediationRetries, Default: "3", Description: "replay attempts before an item is quarantined", Validate: nonNegativeInt},
	{Key: KeyUnhandledAlertThreshold, Default: "25", Description: "unhandled-pattern count that raises a meta-alert", Validate: positiveInt},
	{Key: KeyUnhandledWindow, Default: "24", Description: "window over which unhandled patterns are counted", Unit: time.Hour, Validate: positiveInt},
	{Key: KeySLOTarget, Default: "0.995", Description: "availability target used for burn rate reporting", Validate: ratio},
}

var specsByKey = make(map[string]Spec, len(registry))

func init() {
	for _, spec := range registry {
		specsByKey[spec.Key] = spec
	}
}

// Known returns every registered key in declaration order
func Known() []Spec {
	out := make([]Spec, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the Spec for a key
func Lookup(key string) (Spec, bool) {
	spec, ok := specsByKey[key]
	return spec, ok
}

func positiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func nonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	if n < 0 {
		return fmt.Errorf("must not be negative, got %d", n)
	}
	return nil
}

func enumOf(allowed ...string) func(string) error {
	return func(value string) error {
		for _, v := range allowed {
			if value == v {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v, got %q", allowed, value)
	}
}

// ratio admits targets strictly below 1: a perfect target has no error
// budget, which makes burn rates undefined.
func ratio(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", value)
	}
	if f <= 0 || f >= 1 {
		return fmt.Errorf("must be in (0, 1), got %g", f)
	}
	return nil
}
