/*
Package storage persists control-plane state snapshots to BoltDB.

BuildSnapshot assembles a Snapshot — a monotonic sequence id, capture
timestamp, per-container state table, aggregate state metrics, and the
last N transitions — from live pool and state-manager data. BoltWriter
writes snapshots keyed by their big-endian sequence id, rejects writes
whose sequence id does not exceed the last persisted one, prunes beyond a
configured retention count, and recovers the most recent snapshot on
Latest for a restarted coordinator to validate against.
*/
package storage
