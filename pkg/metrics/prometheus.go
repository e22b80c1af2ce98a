package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cdpkit/fleet/pkg/task"
)

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	// Task metrics
	taskTransitions *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	// Instance metrics
	launches       *prometheus.CounterVec
	launchDuration prometheus.Histogram
	terminations   prometheus.Counter
	restarts       *prometheus.CounterVec
	healthChecks   *prometheus.CounterVec
	instances      *prometheus.GaugeVec
	cpuPercent     prometheus.Gauge
	memoryBytes    prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusRecorder creates a recorder with its own registry
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "fleet"
	}

	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
	}

	// Task status transitions
	r.taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from", "to"},
	)

	// Dispatch duration
	r.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_dispatch_duration_seconds",
			Help:      "Duration of task dispatch attempts",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type", "status"},
	)

	// Queue depth
	r.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of buffered tasks",
		},
	)

	// Launches
	r.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_launches_total",
			Help:      "Total number of browser launch attempts",
		},
		[]string{"status"},
	)

	r.launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_launch_duration_seconds",
			Help:      "Time from spawn to a ready control port",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	r.terminations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_terminations_total",
			Help:      "Total number of instances removed from the pool",
		},
	)

	r.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_restarts_total",
			Help:      "Total number of instance restarts",
		},
		[]string{"instance"},
	)

	r.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of instance health checks",
		},
		[]string{"result"},
	)

	r.instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Instances in the pool by state",
		},
		[]string{"state"},
	)

	r.cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_cpu_percent",
			Help:      "Summed CPU usage of all instances",
		},
	)

	r.memoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_memory_bytes",
			Help:      "Summed resident memory of all instances",
		},
	)

	r.registry.MustRegister(
		r.taskTransitions,
		r.taskDuration,
		r.queueDepth,
		r.launches,
		r.launchDuration,
		r.terminations,
		r.restarts,
		r.healthChecks,
		r.instances,
		r.cpuPercent,
		r.memoryBytes,
	)

	return r
}

// TaskTransition records a task status change
func (r *PrometheusRecorder) TaskTransition(from, to task.Status) {
	r.taskTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// TaskDuration records the duration of a dispatch attempt
func (r *PrometheusRecorder) TaskDuration(taskType string, d time.Duration, err error) {
	r.taskDuration.WithLabelValues(taskType, statusLabel(err)).Observe(d.Seconds())
}

// QueueDepth records the current queue depth
func (r *PrometheusRecorder) QueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

// InstanceLaunched records a launch attempt
func (r *PrometheusRecorder) InstanceLaunched(_ task.InstanceID, d time.Duration, err error) {
	r.launches.WithLabelValues(statusLabel(err)).Inc()
	if err == nil {
		r.launchDuration.Observe(d.Seconds())
	}
}

// InstanceTerminated records an instance leaving the pool
func (r *PrometheusRecorder) InstanceTerminated(task.InstanceID) {
	r.terminations.Inc()
}

// InstanceRestarted records a restart
func (r *PrometheusRecorder) InstanceRestarted(id task.InstanceID) {
	r.restarts.WithLabelValues(strconv.FormatUint(uint64(id), 10)).Inc()
}

// HealthCheck records a health check result
func (r *PrometheusRecorder) HealthCheck(_ task.InstanceID, healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	r.healthChecks.WithLabelValues(result).Inc()
}

// PoolState records the pool breakdown
func (r *PrometheusRecorder) PoolState(g PoolGauge) {
	r.instances.WithLabelValues("total").Set(float64(g.Total))
	r.instances.WithLabelValues("available").Set(float64(g.Available))
	r.instances.WithLabelValues("busy").Set(float64(g.Busy))
	r.instances.WithLabelValues("unhealthy").Set(float64(g.Unhealthy))
}

// Resources records summed resource usage
func (r *PrometheusRecorder) Resources(res ResourceTotals) {
	r.cpuPercent.Set(res.CPUPercent)
	r.memoryBytes.Set(float64(res.MemoryBytes))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Compile-time interface compliance check
var _ Recorder = (*PrometheusRecorder)(nil)
