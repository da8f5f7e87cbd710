package jobs

import (
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels of jobexec_jobs_executed_total.
const (
	outcomeCompleted   = "completed"
	outcomeRescheduled = "rescheduled"
	outcomeRetained    = "retained"
	outcomeFailed      = "failed"
	outcomeParked      = "parked"
	outcomeRolledBack  = "rolled_back"
)

var (
	jobsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobexec_jobs_executed_total",
			Help: "Total number of job executions by handler and outcome",
		},
		[]string{"handler", "outcome"},
	)

	jobsExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobexec_job_execution_duration_seconds",
			Help:    "Duration of job payload executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	lockConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobexec_lock_conflicts_total",
			Help: "Total number of optimistic lock races lost",
		},
		[]string{"phase"},
	)

	storeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobexec_store_failures_total",
			Help: "Total number of job store infrastructure failures",
		},
		[]string{"component"},
	)

	jobsReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobexec_jobs_reclaimed_total",
			Help: "Total number of overdue locks released by the lock reclaimer",
		},
	)

	workerIdleInterval = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobexec_worker_idle_interval_seconds",
			Help: "Current idle interval of each worker",
		},
		[]string{"worker"},
	)

	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobexec_workers_active",
			Help: "Current number of running workers",
		},
	)

	notifierBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobexec_notifier_breaker_state",
			Help: "Circuit breaker state of the lifecycle event publisher (0 closed, 1 open, 2 half-open)",
		},
		[]string{"topic"},
	)
)

// Collectors returns the job executor metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		jobsExecutedTotal,
		jobsExecutionDuration,
		lockConflictsTotal,
		storeFailuresTotal,
		jobsReclaimedTotal,
		workerIdleInterval,
		workersActive,
		notifierBreakerState,
	}
}

func recordJobExecuted(handler, outcome string, elapsed time.Duration) {
	handler = normalizeMetricLabel(handler, "unknown")
	jobsExecutedTotal.WithLabelValues(handler, normalizeMetricLabel(outcome, "unknown")).Inc()
	if elapsed > 0 {
		jobsExecutionDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
	}
}

func recordLockConflict(phase string) {
	lockConflictsTotal.WithLabelValues(normalizeMetricLabel(phase, "unknown")).Inc()
}

func recordStoreFailure(component string) {
	storeFailuresTotal.WithLabelValues(normalizeMetricLabel(component, "unknown")).Inc()
}

func recordJobReclaimed() {
	jobsReclaimedTotal.Inc()
}

func setWorkerIdleInterval(worker string, interval time.Duration) {
	workerIdleInterval.WithLabelValues(normalizeMetricLabel(worker, "unknown")).Set(interval.Seconds())
}

func incrementWorkersActive() {
	workersActive.Inc()
}

func decrementWorkersActive() {
	workersActive.Dec()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func clearWorkerIdleInterval(worker string) {
	workerIdleInterval.DeleteLabelValues(normalizeMetricLabel(worker, "unknown"))
}

func setNotifierBreakerState(topic string, state resilience.State) {
	notifierBreakerState.WithLabelValues(normalizeMetricLabel(topic, "unknown")).Set(float64(state))
}
