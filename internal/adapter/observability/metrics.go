package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_consumed_total",
			Help: "Total number of tasks dequeued from the broker",
		},
		[]string{"queue"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_completed_total",
			Help: "Total number of tasks finished successfully",
		},
		[]string{"market", "task_type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_failed_total",
			Help: "Total number of failed tasks by error kind",
		},
		[]string{"kind"},
	)
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_tasks_in_flight",
			Help: "Number of tasks currently executing",
		},
	)
	GatePermitsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_gate_permits_in_use",
			Help: "Outstanding concurrency-gate permits by gate",
		},
		[]string{"gate"},
	)
	MissingCookieTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_missing_cookie_total",
			Help: "Tasks terminally failed because no cookie could be resolved",
		},
	)
	InternalErrorTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_internal_error_total",
			Help: "Tasks that failed with an unclassified internal error",
		},
	)
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_upstream_request_duration_seconds",
			Help:    "Upstream HTTP request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"provider", "endpoint"},
	)
	ResultsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_results_published_total",
			Help: "TaskResult envelopes published to the result stream",
		},
		[]string{"outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(TasksConsumedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(GatePermitsInUse)
	prometheus.MustRegister(MissingCookieTotal)
	prometheus.MustRegister(InternalErrorTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(ResultsPublishedTotal)
}
