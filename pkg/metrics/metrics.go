package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	RequestsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plumber_requests_active",
			Help: "Number of requests currently executing in the service graph",
		},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to worker goroutines, by node label",
		},
		[]string{"node"},
	)

	TasksCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_tasks_cancelled_total",
			Help: "Total number of tasks cancelled by the critical-node analyzer, by reason",
		},
		[]string{"reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plumber_scheduling_latency_seconds",
			Help:    "Time from task readiness to worker dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plumber_task_exec_duration_seconds",
			Help:    "Servlet exec() wall time, by node label",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// Event queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plumber_queue_depth",
			Help: "Number of pending events in a producer ring, by ring owner",
		},
		[]string{"ring"},
	)

	QueueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plumber_queue_wait_duration_seconds",
			Help:    "Time a consumer spent blocked in Queue.Wait",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsPutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_events_put_total",
			Help: "Total events enqueued, by event type",
		},
		[]string{"type"},
	)

	// Async task service metrics
	AsyncPoolOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plumber_async_pool_occupancy",
			Help: "Number of async handles currently in flight in the offload pool",
		},
	)

	AsyncTasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_async_tasks_completed_total",
			Help: "Total async tasks completed, by outcome",
		},
		[]string{"outcome"},
	)

	// Request-local scope metrics
	RLSTokensOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plumber_rls_tokens_outstanding",
			Help: "Number of request-local-scope tokens not yet freed",
		},
	)

	RLSEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_rls_entries_total",
			Help: "Total RLS entries created, by operation (add, copy)",
		},
		[]string{"operation"},
	)

	// Memory pool metrics
	PoolAllocTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_pool_alloc_total",
			Help: "Total allocations served by a memory pool, by pool and source (cache, fresh)",
		},
		[]string{"pool", "source"},
	)

	// Type resolution metrics
	TypeResolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plumber_type_resolution_duration_seconds",
			Help:    "Time taken to resolve the service graph's type constraints to fixpoint",
			Buckets: prometheus.DefBuckets,
		},
	)

	GraphBuildTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plumber_graph_build_total",
			Help: "Total service graph builds, by outcome (ok, rejected)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RequestsActive)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksCancelledTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TaskExecDuration)

	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueWaitDuration)
	prometheus.MustRegister(EventsPutTotal)

	prometheus.MustRegister(AsyncPoolOccupancy)
	prometheus.MustRegister(AsyncTasksCompletedTotal)

	prometheus.MustRegister(RLSTokensOutstanding)
	prometheus.MustRegister(RLSEntriesTotal)

	prometheus.MustRegister(PoolAllocTotal)

	prometheus.MustRegister(TypeResolutionDuration)
	prometheus.MustRegister(GraphBuildTotal)
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
