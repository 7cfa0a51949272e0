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

	// Chunk metrics
	ChunksProcessed *prometheus.CounterVec
	ChunkLatency    prometheus.Histogram

	// Analysis metrics
	AnalysisCycleDuration prometheus.Histogram
	AnalyzerDuration      *prometheus.HistogramVec
	AnalyzerFailures      *prometheus.CounterVec
	BackendFallbacks      *prometheus.CounterVec
	RiskScores            prometheus.Histogram
	Predictions           *prometheus.CounterVec
	TrainingRuns          *prometheus.CounterVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	WebSocketClients prometheus.Gauge

	// Alert metrics
	AlertsRaised     *prometheus.CounterVec
	AlertDeliveries  *prometheus.CounterVec
	IntegrityFlags   *prometheus.CounterVec
	SummariesWritten *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge

	// Protection metrics
	CircuitState       *prometheus.GaugeVec
	RateLimitDecisions *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ChunksProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_chunks_processed_total",
				Help: "Total number of audio chunks processed",
			},
			[]string{"speech"},
		)

		ChunkLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_integrity_chunk_latency_seconds",
				Help:    "Per-chunk fast path latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
		)

		AnalysisCycleDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_integrity_analysis_cycle_seconds",
				Help:    "Duration of a full four-analyzer and classifier cycle",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		)

		AnalyzerDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voice_integrity_analyzer_seconds",
				Help:    "Duration of one analyzer run",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"analyzer"},
		)

		AnalyzerFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_analyzer_failures_total",
				Help: "Analyzer runs that failed and were padded with defaults",
			},
			[]string{"analyzer"},
		)

		BackendFallbacks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_backend_fallbacks_total",
				Help: "Results produced by a heuristic because a backend was unavailable",
			},
			[]string{"component"},
		)

		RiskScores = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_integrity_risk_score",
				Help:    "Distribution of fused risk scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		)

		Predictions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_predictions_total",
				Help: "Integrity predictions by model and verdict",
			},
			[]string{"model", "cheating"},
		)

		TrainingRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_training_runs_total",
				Help: "Classifier training runs by outcome",
			},
			[]string{"status"},
		)

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voice_integrity_sessions_active",
				Help: "Number of active voice sessions",
			},
		)

		SessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_integrity_session_duration_seconds",
				Help:    "Duration of completed voice sessions",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
		)

		WebSocketClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voice_integrity_websocket_clients",
				Help: "Number of connected voice websocket clients",
			},
		)

		AlertsRaised = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_alerts_total",
				Help: "Integrity alerts raised by severity",
			},
			[]string{"severity"},
		)

		AlertDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_alert_deliveries_total",
				Help: "Alert deliveries per notification channel",
			},
			[]string{"channel", "status"},
		)

		IntegrityFlags = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_flags_total",
				Help: "Integrity flags persisted by source",
			},
			[]string{"source"},
		)

		SummariesWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_summaries_written_total",
				Help: "Final session summaries written per store",
			},
			[]string{"store", "status"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_amqp_published_messages_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"exchange", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voice_integrity_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		CircuitState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voice_integrity_circuit_state",
				Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
			},
			[]string{"circuit"},
		)

		RateLimitDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_integrity_rate_limit_decisions_total",
				Help: "API requests admitted or refused by the rate limiter",
			},
			[]string{"decision"},
		)

		registry.MustRegister(
			ChunksProcessed,
			ChunkLatency,

			AnalysisCycleDuration,
			AnalyzerDuration,
			AnalyzerFailures,
			BackendFallbacks,
			RiskScores,
			Predictions,
			TrainingRuns,

			SessionsActive,
			SessionDuration,
			WebSocketClients,

			AlertsRaised,
			AlertDeliveries,
			IntegrityFlags,
			SummariesWritten,

			AMQPPublishedMessages,
			AMQPConnectionStatus,

			CircuitState,
			RateLimitDecisions,
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

// IsMetricsEnabled reports whether metrics are collected. Recording before
// Init is a no-op.
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// Handler returns the metrics HTTP handler
func Handler() http.Handler {
	if !IsMetricsEnabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if IsMetricsEnabled() {
		mux.Handle(defaultMetricsPath, Handler())
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

// RecordChunk records one processed chunk and its fast path latency
func RecordChunk(speech bool, duration time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	label := "false"
	if speech {
		label = "true"
	}
	ChunksProcessed.WithLabelValues(label).Inc()
	ChunkLatency.Observe(duration.Seconds())
}

// ObserveAnalysisCycle returns a function that records the cycle duration
func ObserveAnalysisCycle() func() {
	if !IsMetricsEnabled() {
		return func() {}
	}
	start := time.Now()
	return func() {
		AnalysisCycleDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordAnalyzer records one analyzer run
func RecordAnalyzer(analyzer string, duration time.Duration, failed bool) {
	if !IsMetricsEnabled() {
		return
	}
	AnalyzerDuration.WithLabelValues(analyzer).Observe(duration.Seconds())
	if failed {
		AnalyzerFailures.WithLabelValues(analyzer).Inc()
	}
}

// RecordFallback records a heuristic result used in place of a backend
func RecordFallback(component string) {
	if IsMetricsEnabled() {
		BackendFallbacks.WithLabelValues(component).Inc()
	}
}

// RecordPrediction records a fused prediction
func RecordPrediction(model string, cheating bool, risk float64) {
	if !IsMetricsEnabled() {
		return
	}
	verdict := "false"
	if cheating {
		verdict = "true"
	}
	Predictions.WithLabelValues(model, verdict).Inc()
	RiskScores.Observe(risk)
}

// RecordTraining records a training run outcome
func RecordTraining(status string) {
	if IsMetricsEnabled() {
		TrainingRuns.WithLabelValues(status).Inc()
	}
}

// StartSessionTimer returns a function that records the session duration when called
func StartSessionTimer() func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	SessionsActive.Inc()
	start := time.Now()
	return func() {
		SessionsActive.Dec()
		SessionDuration.Observe(time.Since(start).Seconds())
	}
}

// TrackWebSocketClient increments the client gauge and returns its release
func TrackWebSocketClient() func() {
	if !IsMetricsEnabled() {
		return func() {}
	}
	WebSocketClients.Inc()
	return func() { WebSocketClients.Dec() }
}

// RecordAlert records a raised alert
func RecordAlert(severity string) {
	if IsMetricsEnabled() {
		AlertsRaised.WithLabelValues(severity).Inc()
	}
}

// RecordAlertDelivery records one channel delivery attempt
func RecordAlertDelivery(channel, status string) {
	if IsMetricsEnabled() {
		AlertDeliveries.WithLabelValues(channel, status).Inc()
	}
}

// RecordIntegrityFlag records a persisted integrity flag
func RecordIntegrityFlag(source string) {
	if IsMetricsEnabled() {
		IntegrityFlags.WithLabelValues(source).Inc()
	}
}

// RecordSummaryWrite records a final summary write
func RecordSummaryWrite(store, status string) {
	if IsMetricsEnabled() {
		SummariesWritten.WithLabelValues(store, status).Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(exchange, status string) {
	if IsMetricsEnabled() {
		AMQPPublishedMessages.WithLabelValues(exchange, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !IsMetricsEnabled() {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// SetCircuitState records a breaker's state
func SetCircuitState(circuit string, state int) {
	if IsMetricsEnabled() {
		CircuitState.WithLabelValues(circuit).Set(float64(state))
	}
}

// RecordRateLimit records one rate limiter decision
func RecordRateLimit(allowed bool) {
	if !IsMetricsEnabled() {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "limited"
	}
	RateLimitDecisions.WithLabelValues(decision).Inc()
}
