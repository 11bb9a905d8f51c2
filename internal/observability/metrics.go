package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	bridgeQueueDepth     prometheus.Gauge
	bridgeSubmitTotal    *prometheus.CounterVec
	bridgeExecDuration   prometheus.Histogram
	bridgeDroppedResults prometheus.Counter

	pipelineRunTotal      *prometheus.CounterVec
	pipelineAttemptsTotal prometheus.Counter
	pipelineRunDuration   prometheus.Histogram

	notifierEventsTotal *prometheus.CounterVec

	capabilityTotal    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec

	laneQueueSize *prometheus.GaugeVec
	laneTaskTotal *prometheus.CounterVec

	activeSessions          prometheus.Gauge
	transcriptSaveDuration  prometheus.Histogram
	transcriptLoadDuration  prometheus.Histogram
	turnTotal               *prometheus.CounterVec
	turnDuration            prometheus.Histogram
	providerCooldown        *prometheus.GaugeVec
	providerCallTotal       *prometheus.CounterVec
	attemptHistoryWriteFail prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			bridgeQueueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "bridge_queue_depth",
					Help: "Requests currently queued for the viewer thread.",
				},
			),
			bridgeSubmitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_submit_total",
					Help: "Total bridge submissions by outcome.",
				},
				[]string{"outcome"},
			),
			bridgeExecDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "bridge_exec_duration_seconds",
					Help:    "Procedure execution duration on the viewer thread.",
					Buckets: prometheus.DefBuckets,
				},
			),
			bridgeDroppedResults: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "bridge_dropped_results_total",
					Help: "Results discarded because the caller stopped waiting.",
				},
			),
			pipelineRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pipeline_run_total",
					Help: "Total pipeline runs by outcome.",
				},
				[]string{"outcome"},
			),
			pipelineAttemptsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "pipeline_attempts_total",
					Help: "Total candidate executions across all pipeline runs.",
				},
			),
			pipelineRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pipeline_run_duration_seconds",
					Help:    "Pipeline run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			notifierEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notifier_events_total",
					Help: "Lifecycle events by type and delivery status.",
				},
				[]string{"type", "status"},
			),
			capabilityTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "capability_invocation_total",
					Help: "Capability invocations by capability and status.",
				},
				[]string{"capability", "status"},
			),
			capabilityDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "capability_invocation_duration_seconds",
					Help:    "Capability invocation duration by capability.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"capability"},
			),
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "turn_lane_queue_size",
					Help: "Queued turns by lane.",
				},
				[]string{"lane"},
			),
			laneTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_lane_task_total",
					Help: "Completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			transcriptSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_save_duration_seconds",
					Help:    "Transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			transcriptLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_load_duration_seconds",
					Help:    "Transcript load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Total agent turns by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_call_total",
					Help: "LLM provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			attemptHistoryWriteFail: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "attempt_history_write_failures_total",
					Help: "Failed writes to the attempt history store.",
				},
			),
		}

		prometheus.MustRegister(
			m.bridgeQueueDepth,
			m.bridgeSubmitTotal,
			m.bridgeExecDuration,
			m.bridgeDroppedResults,
			m.pipelineRunTotal,
			m.pipelineAttemptsTotal,
			m.pipelineRunDuration,
			m.notifierEventsTotal,
			m.capabilityTotal,
			m.capabilityDuration,
			m.laneQueueSize,
			m.laneTaskTotal,
			m.activeSessions,
			m.transcriptSaveDuration,
			m.transcriptLoadDuration,
			m.turnTotal,
			m.turnDuration,
			m.providerCooldown,
			m.providerCallTotal,
			m.attemptHistoryWriteFail,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetBridgeQueueDepth(depth int) {
	getMetrics().bridgeQueueDepth.Set(float64(depth))
}

func RecordBridgeSubmit(outcome string) {
	getMetrics().bridgeSubmitTotal.WithLabelValues(outcome).Inc()
}

func RecordBridgeExecution(duration time.Duration) {
	getMetrics().bridgeExecDuration.Observe(duration.Seconds())
}

func RecordBridgeDroppedResult() {
	getMetrics().bridgeDroppedResults.Inc()
}

func RecordPipelineRun(outcome string, attempts int, duration time.Duration) {
	m := getMetrics()
	m.pipelineRunTotal.WithLabelValues(outcome).Inc()
	m.pipelineAttemptsTotal.Add(float64(attempts))
	m.pipelineRunDuration.Observe(duration.Seconds())
}

func RecordNotifierEvent(eventType string, delivered bool) {
	status := "dropped"
	if delivered {
		status = "delivered"
	}
	getMetrics().notifierEventsTotal.WithLabelValues(eventType, status).Inc()
}

func RecordCapabilityInvocation(capability string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.capabilityTotal.WithLabelValues(capability, status).Inc()
	m.capabilityDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

func SetLaneQueueSize(lane string, size int) {
	getMetrics().laneQueueSize.WithLabelValues(lane).Set(float64(size))
}

func RecordLaneTask(lane string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().laneTaskTotal.WithLabelValues(lane, status).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordTranscriptSave(duration time.Duration) {
	getMetrics().transcriptSaveDuration.Observe(duration.Seconds())
}

func RecordTranscriptLoad(duration time.Duration) {
	getMetrics().transcriptLoadDuration.Observe(duration.Seconds())
}

func RecordTurn(status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordProviderCall(provider string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().providerCallTotal.WithLabelValues(provider, status).Inc()
}

func RecordAttemptHistoryWriteFailure() {
	getMetrics().attemptHistoryWriteFail.Inc()
}
