/*
Package types defines the data model shared by the container pool control
plane: container records and their state machine, job fingerprints used for
reuse scoring, declarative templates, and the bounded history/metrics records
produced by the pool, optimizer, scaler, and monitor.

# Core Types

Container lifecycle:
  - Container: one managed container record (state, timestamps, job count,
    last observed resource usage, bounded job history)
  - ContainerState: the eleven-state machine enforced by pkg/state
  - Template: declarative container shape (image, env, limits, setup commands)

Job matching:
  - Fingerprint: structural summary of a job used for reuse affinity scoring
  - JobRequirements / JobResult: the Acquire/Release payloads

Monitoring:
  - SystemSample, AggregatedWindow: host-wide resource series
  - Alert, Anomaly, Suggestion: monitor output consumed by the coordinator

# Thread Safety

Types in this package carry no synchronization of their own: callers holding
a *Container must hold the owning component's lock (for pool records, the
pool's mutex) before mutating it.
*/
package types
