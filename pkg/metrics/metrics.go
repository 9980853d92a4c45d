package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	IngestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_ingest_requests_total",
			Help: "Total number of ingest requests by status and reason",
		},
		[]string{"status", "reason"},
	)

	IngestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mutt_ingest_latency_seconds",
			Help:    "Ingest request latency in seconds, accepted requests only",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mutt_queue_depth",
			Help: "Current depth of pipeline queues, DLQs and quarantine",
		},
		[]string{"queue"},
	)

	ProcessingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mutt_processing_depth",
			Help: "Items staged in per-worker processing lists by stage",
		},
		[]string{"stage"},
	)

	// Classification metrics
	EventsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_events_classified_total",
			Help: "Total number of events classified by terminal handling",
		},
		[]string{"handling"},
	)

	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mutt_audit_write_failures_total",
			Help: "Total number of event audit writes that exhausted retries",
		},
	)

	MetaAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mutt_meta_alerts_total",
			Help: "Total number of synthetic meta-alerts emitted for unhandled patterns",
		},
	)

	ShedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_shed_total",
			Help: "Total number of backpressure shed actions by mode: events drained in dlq mode, cycles deferred in defer mode",
		},
		[]string{"mode"},
	)

	// Delivery metrics
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mutt_delivery_latency_seconds",
			Help:    "Webhook POST latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_rate_limit_decisions_total",
			Help: "Total number of rate limiter decisions by outcome",
		},
		[]string{"outcome"},
	)

	CircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mutt_circuit_state",
			Help: "Moog circuit breaker state (0 = closed, 1 = open, 2 = half-open)",
		},
	)

	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_circuit_transitions_total",
			Help: "Total number of circuit breaker transitions by resulting state",
		},
		[]string{"state"},
	)

	// Remediation metrics
	RemediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_remediations_total",
			Help: "Total number of DLQ remediation decisions by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	JanitorRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_janitor_recovered_total",
			Help: "Total number of in-flight events recovered from dead workers",
		},
		[]string{"stage"},
	)

	// Dynamic config metrics
	ConfigCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mutt_config_cache_hits_total",
			Help: "Total number of dynamic config reads served from the local cache",
		},
	)

	ConfigCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mutt_config_cache_misses_total",
			Help: "Total number of dynamic config reads that went to the substrate",
		},
	)

	ConfigUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mutt_config_updates_total",
			Help: "Total number of config change notifications applied",
		},
	)

	// HTTP surface metrics (ingest + admin)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutt_http_requests_total",
			Help: "Total number of HTTP requests by service, route and status",
		},
		[]string{"service", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mutt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(IngestRequestsTotal)
	prometheus.MustRegister(IngestLatency)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ProcessingDepth)
	prometheus.MustRegister(EventsClassified)
	prometheus.MustRegister(AuditWriteFailures)
	prometheus.MustRegister(MetaAlertsTotal)
	prometheus.MustRegister(ShedTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryLatency)
	prometheus.MustRegister(RateLimitDecisions)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(CircuitTransitions)
	prometheus.MustRegister(RemediationsTotal)
	prometheus.MustRegister(JanitorRecovered)
	prometheus.MustRegister(ConfigCacheHits)
	prometheus.MustRegister(ConfigCacheMisses)
	prometheus.MustRegister(ConfigUpdates)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
