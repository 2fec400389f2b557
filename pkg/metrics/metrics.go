package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsCreatedTotal *prometheus.CounterVec
	SessionsUpgraded     prometheus.Counter
	SessionDuration      *prometheus.HistogramVec

	// Correlation metrics
	CorrelationMatches prometheus.Counter
	CorrelationMisses  prometheus.Counter

	// Place-call metrics
	PlaceCallTotal *prometheus.CounterVec

	// Call-control feed metrics
	FeedEventsTotal      *prometheus.CounterVec
	FeedConnectionStatus prometheus.Gauge

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_sessions_active",
				Help: "Number of live call sessions in the registry",
			},
		)

		SessionsCreatedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_sessions_created_total",
				Help: "Total call sessions created, by originating leg kind",
			},
			[]string{"origin"},
		)

		SessionsUpgraded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_sessions_upgraded_total",
				Help: "Total one-sided sessions upgraded to both-attached",
			},
		)

		SessionDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_session_duration_seconds",
				Help:    "Call session lifetime from registration to disconnect",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"origin"},
		)

		CorrelationMatches = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_correlation_matches_total",
				Help: "Inbound legs matched to an existing session by correlation key",
			},
		)

		CorrelationMisses = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_correlation_misses_total",
				Help: "Inbound signaling legs that matched no existing session",
			},
		)

		PlaceCallTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_place_call_total",
				Help: "Outbound call attempts, by call type and outcome",
			},
			[]string{"type", "status"},
		)

		FeedEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_feed_events_total",
				Help: "Telephony session events consumed from the call-control feed",
			},
			[]string{"status"},
		)

		FeedConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_feed_connection_status",
				Help: "Call-control event feed connection status (1 = connected)",
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_amqp_published_messages_total",
				Help: "Lifecycle events published to AMQP, by routing key and status",
			},
			[]string{"routing_key", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_amqp_connection_status",
				Help: "AMQP connection status (1 = connected)",
			},
		)

		registry.MustRegister(
			SessionsActive,
			SessionsCreatedTotal,
			SessionsUpgraded,
			SessionDuration,
			CorrelationMatches,
			CorrelationMisses,
			PlaceCallTotal,
			FeedEventsTotal,
			FeedConnectionStatus,
			AMQPPublishedMessages,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordSessionCreated records a new session entering the registry
func RecordSessionCreated(origin string) {
	if metricsEnabled && SessionsCreatedTotal != nil {
		SessionsCreatedTotal.WithLabelValues(origin).Inc()
		SessionsActive.Inc()
	}
}

// RecordSessionRemoved records a session leaving the registry
func RecordSessionRemoved(origin string, lifetime time.Duration) {
	if metricsEnabled && SessionsActive != nil {
		SessionsActive.Dec()
		SessionDuration.WithLabelValues(origin).Observe(lifetime.Seconds())
	}
}

// RecordSessionUpgraded records a one-sided session gaining its second leg
func RecordSessionUpgraded() {
	if metricsEnabled && SessionsUpgraded != nil {
		SessionsUpgraded.Inc()
	}
}

// RecordCorrelationMatch records an inbound leg matched by correlation key
func RecordCorrelationMatch() {
	if metricsEnabled && CorrelationMatches != nil {
		CorrelationMatches.Inc()
	}
}

// RecordCorrelationMiss records an inbound signaling leg without a usable key
func RecordCorrelationMiss() {
	if metricsEnabled && CorrelationMisses != nil {
		CorrelationMisses.Inc()
	}
}

// RecordPlaceCall records an outbound call attempt
func RecordPlaceCall(callType, status string) {
	if metricsEnabled && PlaceCallTotal != nil {
		PlaceCallTotal.WithLabelValues(callType, status).Inc()
	}
}

// RecordFeedEvent records a consumed call-control feed event
func RecordFeedEvent(status string) {
	if metricsEnabled && FeedEventsTotal != nil {
		FeedEventsTotal.WithLabelValues(status).Inc()
	}
}

// SetFeedConnectionStatus sets the call-control feed connection status
func SetFeedConnectionStatus(connected bool) {
	if metricsEnabled && FeedConnectionStatus != nil {
		if connected {
			FeedConnectionStatus.Set(1)
		} else {
			FeedConnectionStatus.Set(0)
		}
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(routingKey, status string) {
	if metricsEnabled && AMQPPublishedMessages != nil {
		AMQPPublishedMessages.WithLabelValues(routingKey, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if metricsEnabled && AMQPConnectionStatus != nil {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}
