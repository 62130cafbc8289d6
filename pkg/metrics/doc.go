/*
Package metrics exposes Prometheus metrics for the orchestration engine.

All collectors are registered with the default registry at init time.
The workflow counts started and stopped pod groups. The driver times
BringOnline and Stop. The connection counts control-plane requests, the
waiter counts timeouts and crash watchers count observed restarts.

Timing an operation:

	timer := metrics.NewTimer()
	handle, err := drv.BringOnline(ctx, recipes, loc)
	timer.ObserveDurationVec(metrics.BringOnlineDuration, "storage")

A process that wants to serve the metrics mounts Handler:

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
