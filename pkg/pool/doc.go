/*
Package pool implements PoolManager, the owner of the managed container
population.

Acquire selects a container from the available partition -- by default
least-recently-used among healthy, overridable via SetSelector -- and
requests a scale-up through the wired ScaleRequester when the partition is
empty, waiting briefly before giving up with control.ErrNoCapacity.

Release never fails its caller. It either recycles a container whose age,
job count, or failure count crossed a threshold, or runs best-effort
cleanup commands and returns it to available; any internal failure
escalates to Remove.

Partition membership (available/busy) is mutated only through
NotifyAvailable/NotifyBusy, which the state manager calls on every
transition into those states, and through Remove, which drops a container
from both, so reconciliation-driven corrections keep the partitions correct
without the pool polling state directly.
*/
package pool
