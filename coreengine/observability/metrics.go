// Package observability provides Prometheus metrics instrumentation for the recovery core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_stage_executions_total",
			Help: "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"}, // status: success, failed, cached
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "artemis_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"stage"},
	)

	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_state_transitions_total",
			Help: "Total number of pipeline state transitions",
		},
		[]string{"from", "to"},
	)
)

// =============================================================================
// TWO-PASS METRICS
// =============================================================================

var (
	passComparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_pass_comparisons_total",
			Help: "Total number of first/second pass comparisons",
		},
		[]string{"classification"}, // improved, degraded, unchanged
	)

	passQualityDelta = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "artemis_pass_quality_delta",
			Help:    "Second pass quality score minus first pass quality score",
			Buckets: []float64{-0.5, -0.2, -0.1, -0.05, -0.01, 0.01, 0.05, 0.1, 0.2, 0.5},
		},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_rollbacks_total",
			Help: "Total number of memento rollbacks",
		},
		[]string{"status"}, // completed, failed
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_retry_attempts_total",
			Help: "Total number of attempts made by the retry strategy",
		},
		[]string{"operation", "outcome"}, // outcome: success, error
	)
)

// =============================================================================
// RECOVERY METRICS
// =============================================================================

var (
	workflowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_workflow_executions_total",
			Help: "Total number of recovery workflow executions",
		},
		[]string{"workflow", "status"}, // status: success, failed
	)

	workflowDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "artemis_workflow_duration_seconds",
			Help:    "Recovery workflow duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"workflow"},
	)

	actionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_action_attempts_total",
			Help: "Total number of workflow action attempts",
		},
		[]string{"action", "status"}, // status: success, failed
	)

	recoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_recovery_attempts_total",
			Help: "Total number of supervisor recovery attempts",
		},
		[]string{"agent", "outcome"}, // outcome: recovered, failed, throttled, circuit_open
	)

	agentHealthEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_agent_health_events_total",
			Help: "Total number of agent health events observed",
		},
		[]string{"agent", "event"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artemis_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "artemis_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordStageExecution records one stage run.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordStageCacheHit records a stage result served from the context cache.
func RecordStageCacheHit(stage string) {
	stageExecutionsTotal.WithLabelValues(stage, "cached").Inc()
}

// RecordStateTransition records a pipeline state change.
func RecordStateTransition(from string, to string) {
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordPassComparison records a comparison outcome and its quality delta.
func RecordPassComparison(classification string, delta float64) {
	passComparisonsTotal.WithLabelValues(classification).Inc()
	passQualityDelta.Observe(delta)
}

// RecordRollback records a memento rollback.
func RecordRollback(status string) {
	rollbacksTotal.WithLabelValues(status).Inc()
}

// RecordRetryAttempt records one attempt made by the retry strategy.
func RecordRetryAttempt(operation string, outcome string) {
	retryAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordWorkflowExecution records a finished recovery workflow.
func RecordWorkflowExecution(workflow string, status string, durationMS int) {
	workflowExecutionsTotal.WithLabelValues(workflow, status).Inc()
	workflowDurationSeconds.WithLabelValues(workflow).Observe(float64(durationMS) / 1000.0)
}

// RecordActionAttempt records one handler invocation inside a workflow.
func RecordActionAttempt(action string, status string) {
	actionAttemptsTotal.WithLabelValues(action, status).Inc()
}

// RecordRecoveryAttempt records a supervisor recovery decision.
func RecordRecoveryAttempt(agent string, outcome string) {
	recoveryAttemptsTotal.WithLabelValues(agent, outcome).Inc()
}

// RecordAgentHealthEvent records an observed agent lifecycle event.
func RecordAgentHealthEvent(agent string, event string) {
	agentHealthEventsTotal.WithLabelValues(agent, event).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
