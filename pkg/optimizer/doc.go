/*
Package optimizer implements ReuseOptimizer.

Select scores every available candidate against a job's fingerprint --
pattern similarity to recent history, historical performance, current
resource headroom, and idle recency -- and returns the highest scorer. It
reads container history directly off the types.Container records the pool
already maintains rather than keeping a shadow copy.

Sweep runs the preemptive-recycling check: a container whose job count,
age, or degraded reuse efficiency crosses a configured threshold is handed
back to the pool's Recycle path.
*/
package optimizer
