/*
Package coordinator implements Coordinator.

New wires the broker, state manager, pool, optimizer, and scaler in
dependency order and installs the pool as the state manager's partition
notifier, the optimizer as the pool's container selector, and the scaler
as the pool's scale requester. Start launches every periodic loop: pool
initialization, state reconciliation, scaling evaluation, optimizer
sweeps, resource sampling, an event-driven alert/anomaly reaction loop, a
health-check loop with optional auto-restart, and a cross-component
optimization loop. Acquire, Release, Cancel, Status, Health, and
EmergencyStop are the six operations the rest of the system calls.
*/
package coordinator
