// Package observability provides Prometheus metrics instrumentation for agentcore.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// MESSAGE BUS METRICS
// =============================================================================

var (
	busMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_bus_messages_total",
			Help: "Messages handled by the message bus",
		},
		[]string{"topic", "status"}, // status: published, delivered, handler_error, dead_lettered
	)

	busHandlerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_bus_handler_duration_seconds",
			Help:    "Subscriber handler duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"topic"},
	)
)

// =============================================================================
// MODEL ROUTER METRICS
// =============================================================================

var (
	modelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_model_calls_total",
			Help: "Total number of model backend attempts made by the router",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	modelCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_model_call_duration_seconds",
			Help:    "Model backend attempt duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	routingExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_routing_exhausted_total",
			Help: "Routing calls where every candidate model failed",
		},
	)
)

// =============================================================================
// ENSEMBLE METRICS
// =============================================================================

var (
	ensembleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_ensemble_executions_total",
			Help: "Total number of ensemble executions",
		},
		[]string{"strategy", "status"}, // status: success, error
	)

	ensembleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_ensemble_duration_seconds",
			Help:    "Ensemble execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"strategy"},
	)
)

// =============================================================================
// EXECUTION ENGINE METRICS
// =============================================================================

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_executions_total",
			Help: "Total number of execution requests by outcome",
		},
		[]string{"capability", "status"}, // status: success, error, timeout, rejected
	)

	executionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"capability"},
	)

	executionQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcore_execution_queue_length",
			Help: "Deferred execution requests waiting for capacity",
		},
	)

	activeExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcore_active_executions",
			Help: "Execution requests currently running on a worker",
		},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// TELEMETRY SINK METRICS
// =============================================================================

var telemetryEventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "agentcore_telemetry_events_dropped_total",
		Help: "Telemetry events dropped because the sink buffer was full",
	},
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordBusMessage records a message bus outcome for a topic.
func RecordBusMessage(topic string, status string) {
	busMessagesTotal.WithLabelValues(topic, status).Inc()
}

// RecordBusHandler records one subscriber handler invocation.
func RecordBusHandler(topic string, durationMS float64) {
	busHandlerDurationSeconds.WithLabelValues(topic).Observe(durationMS / 1000.0)
}

// RecordModelCall records a single router attempt against the model backend.
func RecordModelCall(provider string, model string, status string, durationMS int) {
	modelCallsTotal.WithLabelValues(provider, model, status).Inc()
	modelCallDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordRoutingExhausted records a routing call where no candidate succeeded.
func RecordRoutingExhausted() {
	routingExhaustedTotal.Inc()
}

// RecordEnsembleExecution records ensemble execution metrics.
func RecordEnsembleExecution(strategy string, status string, durationMS int) {
	ensembleExecutionsTotal.WithLabelValues(strategy, status).Inc()
	ensembleDurationSeconds.WithLabelValues(strategy).Observe(float64(durationMS) / 1000.0)
}

// RecordExecution records the terminal outcome of an execution request.
func RecordExecution(capability string, status string, durationMS int) {
	executionsTotal.WithLabelValues(capability, status).Inc()
	executionDurationSeconds.WithLabelValues(capability).Observe(float64(durationMS) / 1000.0)
}

// SetExecutionGauges publishes the engine's queue and in-flight counts.
func SetExecutionGauges(queueLength, active int) {
	executionQueueLength.Set(float64(queueLength))
	activeExecutions.Set(float64(active))
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordTelemetryDropped records an event the telemetry sink could not buffer.
func RecordTelemetryDropped() {
	telemetryEventsDropped.Inc()
}
