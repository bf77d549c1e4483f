// Package metrics declares the Prometheus collectors exposed by the control
// plane and a small Timer helper for observing operation durations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kube9_nodes_total",
			Help: "Total number of nodes by kind and health",
		},
		[]string{"kind", "health"},
	)

	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kube9_pods_total",
			Help: "Total number of pods by health",
		},
		[]string{"health"},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kube9_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kube9_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kube9_scheduling_latency_seconds",
			Help:    "Time taken to schedule a pod in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PodsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_scheduled_total",
			Help: "Total number of pods successfully scheduled",
		},
	)

	PodsNoFit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_no_fit_total",
			Help: "Total number of scheduling attempts that found no eligible node",
		},
	)

	HeartbeatSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kube9_heartbeat_sweep_duration_seconds",
			Help:    "Time taken for a heartbeat sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_node_failures_total",
			Help: "Total number of node healthy-to-failed transitions",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kube9_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	RecoveryAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_recovery_attempts_total",
			Help: "Total number of recovery attempts across all nodes",
		},
	)

	NodesPermanentlyFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_nodes_permanently_failed_total",
			Help: "Total number of nodes that reached permanently_failed",
		},
	)

	RescheduleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kube9_reschedule_duration_seconds",
			Help:    "Time taken for a pod rescheduler pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PodsRescheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_rescheduled_total",
			Help: "Total number of pods relocated off a permanently_failed node",
		},
	)

	PodsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_evicted_total",
			Help: "Total number of pods evicted because no eligible node was found",
		},
	)

	ReaperSandboxesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_reaper_sandboxes_removed_total",
			Help: "Total number of sandbox handles cleared by the reaper",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		PodsTotal,
		ContainersTotal,
		APIRequestsTotal,
		APIRequestDuration,
		SchedulingLatency,
		PodsScheduled,
		PodsNoFit,
		HeartbeatSweepDuration,
		NodeFailuresTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		RecoveryAttemptsTotal,
		NodesPermanentlyFailedTotal,
		RescheduleDuration,
		PodsRescheduledTotal,
		PodsEvictedTotal,
		ReaperSandboxesRemovedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
