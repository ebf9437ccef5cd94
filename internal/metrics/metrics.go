// Package metrics exposes the Prometheus collectors the control plane
// and worker publish on /metrics, matching the original system's metric
// names and label sets.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codex_jobs_created_total",
		Help: "Number of jobs created",
	}, []string{"source"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codex_jobs_completed_total",
		Help: "Number of jobs completed",
	}, []string{"status"})

	JobFailuresTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_job_failures_total",
		Help: "Total number of failed jobs",
	})

	JobFailuresByCategory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "codex_job_failures_by_category",
		Help: "Failed jobs grouped by failure category",
	}, []string{"category"})

	JobFailuresByStage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "codex_job_failures_by_stage",
		Help: "Failed jobs grouped by stage",
	}, []string{"stage"})

	JobStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codex_job_stage_duration_seconds",
		Help:    "Duration by job stage",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900, 1800},
	}, []string{"stage"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_queue_depth",
		Help: "Current queued jobs",
	})

	PendingApprovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_pending_approvals",
		Help: "Current jobs awaiting approval",
	})

	WorkerHeartbeat = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_worker_heartbeat_timestamp",
		Help: "Last worker heartbeat timestamp",
	})

	SpendDaily = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_spend_daily_usd",
		Help: "Daily spend in USD",
	})

	SpendMonthly = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_spend_monthly_usd",
		Help: "Monthly spend in USD",
	})

	JobCost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codex_job_cost_usd_total",
		Help: "Total USD spent on jobs",
	})

	Incidents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codex_incidents_total",
		Help: "Recorded incidents",
	}, []string{"incident_type", "severity"})

	AgentsEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codex_agents_enabled",
		Help: "Whether agents are enabled (1=true, 0=false)",
	})
)

// Register attaches every collector to reg. Call once per process.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		JobsCreated,
		JobsCompleted,
		JobFailuresTotal,
		JobFailuresByCategory,
		JobFailuresByStage,
		JobStageDuration,
		QueueDepth,
		PendingApprovals,
		WorkerHeartbeat,
		SpendDaily,
		SpendMonthly,
		JobCost,
		Incidents,
		AgentsEnabled,
	)
}
