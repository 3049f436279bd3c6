/*
Package state drives one container's lifecycle through the eleven-state
machine: initializing, created, starting, running, available, busy,
stopping, stopped, failed, recycling, unknown.

Transition validates an edge against the table and rejects anything not
listed, incrementing a rejection counter. ForceTransition bypasses the
table for reconciliation corrections and always leaves a Forced audit
entry. Entering failed, stopping, or recycling schedules a side effect —
a bounded recovery attempt, a stopping watchdog, or a teardown grace
period — tied to the transition's generation number so a superseded
side effect is a no-op when it eventually runs.

Reconcile is the periodic loop: it inspects every tracked container
against the runtime, flags or corrects state mismatches and stuck
states, and adopts any runtime container carrying the pool label that
isn't already tracked as an orphan in the unknown state.
*/
package state
