package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerMeasuresElapsedTime(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObservesIntoHistogram(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "burrow_test_bring_online_seconds",
		Help:    "test histogram",
		Buckets: []float64{0.001, 1},
	})

	NewTimer().ObserveDuration(h)

	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestTimerObservesIntoHistogramVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "burrow_test_phase_seconds",
		Help: "test histogram vec",
	}, []string{"phase"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "create")
	timer.ObserveDurationVec(vec, "wait")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func TestControlPlaneOutcomesAreSeparate(t *testing.T) {
	ok := testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("ok"))
	failed := testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("error"))

	ControlPlaneRequests.WithLabelValues("error").Inc()

	assert.Equal(t, ok, testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("error")))
}

func TestRegisteredMetricsAreExposed(t *testing.T) {
	PodsStopped.Inc()
	CrashesDetected.Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["burrow_pods_stopped_total"])
	assert.True(t, names["burrow_crashes_detected_total"])
}
