package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_workflows_total",
			Help: "Total number of completed workflow runs",
		},
		[]string{"workflow", "reason"},
	)

	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	schedulerIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_scheduler_iterations_total",
			Help: "Total number of scheduler loop iterations",
		},
		[]string{"workflow"},
	)

	// Actor metrics
	actorInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_actor_invocations_total",
			Help: "Total number of actor invocations",
		},
		[]string{"actor", "status"},
	)

	reasoningTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_reasoning_tokens_total",
			Help: "Total reasoning tokens consumed",
		},
		[]string{"actor"},
	)

	// Governance metrics
	policyDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_policy_denials_total",
			Help: "Total number of policy denials",
		},
		[]string{"kind"},
	)

	checkpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_checkpoints_total",
			Help: "Total number of checkpoint resolutions by terminal status",
		},
		[]string{"status"},
	)

	checkpointWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_checkpoint_wait_seconds",
			Help:    "Time workflows spent suspended at checkpoints",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800},
		},
	)

	// System metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_active_sessions",
			Help: "Number of sessions currently running",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the engine's Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			workflowsTotal,
			workflowDuration,
			schedulerIterations,
			actorInvocations,
			reasoningTokens,
			policyDenials,
			checkpointsTotal,
			checkpointWait,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordWorkflow records one finished workflow run.
func RecordWorkflow(workflow, reason string, duration time.Duration) {
	workflowsTotal.WithLabelValues(workflow, reason).Inc()
	workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordIteration records one scheduler loop iteration.
func RecordIteration(workflow string) {
	schedulerIterations.WithLabelValues(workflow).Inc()
}

// RecordActorInvocation records one actor activation and its outcome.
func RecordActorInvocation(actor, status string, tokens int) {
	actorInvocations.WithLabelValues(actor, status).Inc()
	reasoningTokens.WithLabelValues(actor).Add(float64(tokens))
}

// RecordPolicyDenial records a typed policy violation.
func RecordPolicyDenial(kind string) {
	policyDenials.WithLabelValues(kind).Inc()
}

// RecordCheckpoint records a checkpoint reaching a terminal status.
func RecordCheckpoint(status string, waited time.Duration) {
	checkpointsTotal.WithLabelValues(status).Inc()
	checkpointWait.Observe(waited.Seconds())
}

// SetActiveSessions sets the running-sessions gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
