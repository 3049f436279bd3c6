/*
Package scaler implements DynamicScaler.

Evaluate runs the five-step decision pipeline -- cooldown gate, critical
scale-up, regular scale-up/down, a Holt's double-exponential-smoothing
predictive overlay, and a cost overlay -- and returns a single
ScaleDecision. Execute carries that decision out: scale-up creates
containers from the pool's default template, scale-down removes victims
chosen by age-desc then job-count-desc among available containers. Both
run with a bounded number of concurrent operations.

RequestScaleUp implements pool.ScaleRequester, letting Acquire ask for
immediate capacity when the available set is empty.
*/
package scaler
