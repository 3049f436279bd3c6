/*
Package runtime wraps containerd's client API behind the ContainerRuntime
interface the pool, state, and monitor packages consume.

Create/Start/Stop/Remove drive one container's lifecycle; Inspect and Stats
feed the state manager's reconciliation loop and the resource monitor's
sampling loop respectively; List drives orphan discovery by label filter.

Transport failures (socket errors, timeouts) are wrapped with
control.Transient and are safe to retry. Semantic failures — missing image,
invalid template — are wrapped with control.Semantic and are terminal.
*/
package runtime
