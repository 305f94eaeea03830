package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resotocore_tasks_started_total",
			Help: "Total number of task instances started by descriptor",
		},
		[]string{"descriptor"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resotocore_tasks_completed_total",
			Help: "Total number of task instances finished by result",
		},
		[]string{"result"},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resotocore_running_tasks",
			Help: "Number of task instances currently executing",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resotocore_task_duration_seconds",
			Help:    "Task instance duration in seconds by descriptor",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600, 14400}, // 1s to 4h
		},
		[]string{"descriptor"},
	)

	ActionsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resotocore_actions_emitted_total",
			Help: "Total number of actions published by message type",
		},
		[]string{"message_type"},
	)

	// Worker task queue metrics
	WorkerTasksOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resotocore_worker_tasks_outstanding",
			Help: "Number of worker tasks waiting for completion",
		},
	)

	WorkerTasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resotocore_worker_tasks_completed_total",
			Help: "Total number of worker tasks completed by result",
		},
		[]string{"result"},
	)

	WorkerTaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resotocore_worker_task_retries_total",
			Help: "Total number of worker task retries",
		},
	)

	AttachedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resotocore_attached_workers",
			Help: "Number of workers currently attached to the task queue",
		},
	)

	// Subscriber metrics
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resotocore_subscribers_total",
			Help: "Number of registered action subscribers",
		},
	)

	// Config metrics
	ConfigUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resotocore_config_updates_total",
			Help: "Total number of persisted configuration updates",
		},
	)

	ConfigValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resotocore_config_validations_total",
			Help: "Total number of external config validations by result",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	TriggersFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resotocore_triggers_fired_total",
			Help: "Total number of fired triggers by kind",
		},
		[]string{"kind"},
	)

	OverdueSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resotocore_overdue_sweep_duration_seconds",
			Help:    "Time taken by one overdue-task sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksStartedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(RunningTasks)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ActionsEmittedTotal)
	prometheus.MustRegister(WorkerTasksOutstanding)
	prometheus.MustRegister(WorkerTasksCompletedTotal)
	prometheus.MustRegister(WorkerTaskRetriesTotal)
	prometheus.MustRegister(AttachedWorkers)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(ConfigUpdatesTotal)
	prometheus.MustRegister(ConfigValidationsTotal)
	prometheus.MustRegister(TriggersFiredTotal)
	prometheus.MustRegister(OverdueSweepDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
