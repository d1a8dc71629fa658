package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics records task-pool activity.
type WorkerMetrics struct {
	duration  *prometheus.HistogramVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	timedOut  *prometheus.CounterVec
	queued    prometheus.Gauge
	busy      prometheus.Gauge
}

// NewWorkerMetrics registers the task-pool metrics on the provided registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		return &WorkerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Duration of worker tasks in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "task_completed",
		Help: "Tasks resolved by the worker pool.",
	}, []string{"task"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "task_failed",
		Help: "Tasks resolved with an error.",
	}, []string{"task"})
	timedOut := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "task_timed_out",
		Help: "Tasks abandoned after exceeding the task timeout.",
	}, []string{"task"})
	queued := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "task_queue_size",
		Help: "Tasks waiting for a worker.",
	})
	busy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workers_busy",
		Help: "Workers currently running a task.",
	})
	reg.MustRegister(duration, completed, failed, timedOut, queued, busy)
	return &WorkerMetrics{
		duration:  duration,
		completed: completed,
		failed:    failed,
		timedOut:  timedOut,
		queued:    queued,
		busy:      busy,
	}
}

// ObserveDuration records how long the named task ran.
func (w *WorkerMetrics) ObserveDuration(task string, duration time.Duration) {
	if w == nil || w.duration == nil {
		return
	}
	w.duration.WithLabelValues(normalizeLabel(task)).Observe(duration.Seconds())
}

// IncCompleted increments the completion counter for the named task.
func (w *WorkerMetrics) IncCompleted(task string) {
	if w == nil || w.completed == nil {
		return
	}
	w.completed.WithLabelValues(normalizeLabel(task)).Inc()
}

// IncFailed increments the failure counter for the named task.
func (w *WorkerMetrics) IncFailed(task string) {
	if w == nil || w.failed == nil {
		return
	}
	w.failed.WithLabelValues(normalizeLabel(task)).Inc()
}

// IncTimedOut increments the timeout counter for the named task.
func (w *WorkerMetrics) IncTimedOut(task string) {
	if w == nil || w.timedOut == nil {
		return
	}
	w.timedOut.WithLabelValues(normalizeLabel(task)).Inc()
}

// SetQueueSize reports the number of tasks waiting for a worker.
func (w *WorkerMetrics) SetQueueSize(n int) {
	if w == nil || w.queued == nil {
		return
	}
	w.queued.Set(float64(n))
}

// SetBusyWorkers reports the number of occupied workers.
func (w *WorkerMetrics) SetBusyWorkers(n int) {
	if w == nil || w.busy == nil {
		return
	}
	w.busy.Set(float64(n))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
