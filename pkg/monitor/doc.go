/*
Package monitor implements ResourceMonitor.

Sample runs one pass: system sampling via gopsutil, per-container sampling
via the runtime's Stats, threshold evaluation against configured
warning/critical/low bands with per-(resource, severity) cooldowns,
z-score anomaly detection over series with at least 20 points, and the
rule-based optimization-suggestion table. Sample does not predict; Predict
gives a separate OLS-slope prediction for series with at least 10 points.
AggregatedWindows exposes the 1m/5m/15m/1h rolling aggregates a system
series has accumulated.
*/
package monitor
