// Package store provides the SQLite-backed run log.
//
// A run is recorded as:
//   - runs: one row per simulation run, finalized by EndRun
//   - run_engines: terminal status of every engine in the run
//   - steps: one row per completed step with the snapshot hash
//   - step_devices: the snapshot's devices as canonical JSON
//   - failures: every error reported during a step
//
// Reads are ordered by step index, snapshot position, and insertion id,
// never by wall-clock time, so the same run always reads back identically.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Snapshot hashes are computed by ir.Snapshot.Hash using RFC 8785 canonical
// JSON and SHA-256 with domain separation.
package store
