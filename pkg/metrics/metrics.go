package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	PodsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_pods_started_total",
			Help: "Total number of pod groups brought online by app",
		},
		[]string{"app"},
	)

	PodsStopped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_pods_stopped_total",
			Help: "Total number of pod groups stopped",
		},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_containers_running",
			Help: "Number of containers started and not yet stopped",
		},
	)

	// Driver metrics
	BringOnlineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_bring_online_duration_seconds",
			Help:    "Time from deployment create to resolved pod in seconds by app",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"app"},
	)

	StopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_stop_duration_seconds",
			Help:    "Time from service deletion to released volume claims in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	ControlPlaneRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_control_plane_requests_total",
			Help: "Administrative requests issued to the control plane by outcome",
		},
		[]string{"outcome"},
	)

	WaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_wait_timeouts_total",
			Help: "Total number of convergence waits that ran out of time",
		},
	)

	// Crash watcher metrics
	CrashesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_crashes_detected_total",
			Help: "Total number of container restarts observed by crash watchers",
		},
	)
)

func init() {
	prometheus.MustRegister(PodsStarted)
	prometheus.MustRegister(PodsStopped)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(BringOnlineDuration)
	prometheus.MustRegister(StopDuration)
	prometheus.MustRegister(ControlPlaneRequests)
	prometheus.MustRegister(WaitTimeouts)
	prometheus.MustRegister(CrashesDetected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
