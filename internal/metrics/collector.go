// Package metrics exposes Prometheus collectors for workflow runs and
// hardware operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "labflow"

// Collector groups every labflow metric. A nil *Collector is valid and
// records nothing, so components can take one unconditionally.
type Collector struct {
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsActive   prometheus.Gauge
	primitives   *prometheus.CounterVec
	deviceOps    *prometheus.CounterVec
	deviceOpTime *prometheus.HistogramVec
	connects     *prometheus.CounterVec
	dropped      prometheus.Counter
}

// NewCollector registers all metrics on reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by path (primitive or legacy) and final status.",
		}, []string{"path", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Wall time of workflow runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"path"}),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_runs_active",
			Help:      "Workflow runs currently executing.",
		}),
		primitives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primitive_operations_total",
			Help:      "Primitive operations by name and outcome (executed, skipped, failed).",
		}, []string{"operation", "outcome"}),
		deviceOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_operations_total",
			Help:      "Hardware operations by family, operation and outcome.",
		}, []string{"family", "operation", "outcome"}),
		deviceOpTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_operation_duration_seconds",
			Help:      "Hardware operation latency including lock wait.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"family"}),
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_connects_total",
			Help:      "Handler connection attempts by family and outcome.",
		}, []string{"family", "outcome"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Progress events dropped because a subscriber was slow.",
		}),
	}
}

// RunStarted marks a run as active.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

// RunFinished records the end of a run.
func (c *Collector) RunFinished(path, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(path, status).Inc()
	c.runDuration.WithLabelValues(path).Observe(d.Seconds())
}

// Primitive records one primitive outcome.
func (c *Collector) Primitive(operation, outcome string) {
	if c == nil {
		return
	}
	c.primitives.WithLabelValues(operation, outcome).Inc()
}

// DeviceOperation records one hardware operation.
func (c *Collector) DeviceOperation(family, operation string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.deviceOps.WithLabelValues(family, operation, outcome(success)).Inc()
	c.deviceOpTime.WithLabelValues(family).Observe(d.Seconds())
}

// DeviceConnect records a connection attempt.
func (c *Collector) DeviceConnect(family string, success bool) {
	if c == nil {
		return
	}
	c.connects.WithLabelValues(family, outcome(success)).Inc()
}

// NotificationDropped counts one dropped hub event.
func (c *Collector) NotificationDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
