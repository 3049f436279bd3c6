/*
Package metrics provides Prometheus metrics collection and exposition for
the container pool control plane.

Gauges (container counts by state, pool available/busy, state rejections,
active alerts by severity) are refreshed periodically by Collector.
Counters and histograms (scaling decisions, reuse scores, container
create/recycle duration, anomalies, reconciliation cycles) are recorded
directly by the scaler, optimizer, pool, monitor, and state manager at
the moment the event occurs.

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ContainerCreateDuration)

	metrics.ScalingDecisionsTotal.WithLabelValues("scale_up").Inc()

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are registered in init() with MustRegister, package-level
variables, no runtime registration needed. Label cardinality stays low
(state names, severities, decision kinds) — never container or job IDs.
*/
package metrics
