// Package store provides SQLite-backed durable storage for one device.
//
// It keeps everything a device needs to resume after a restart:
//   - Offline queue: pending remote mutations, in insertion order
//   - Identity: team id, device id and role, plus cached team metadata
//   - Notification history: handoff notifications already delivered
//   - Race snapshot: the last committed runners and legs
//
// # Critical Patterns
//
// Deterministic reads: every list query has an ORDER BY so the same
// database always yields the same slice order.
//
// Whole-list queue writes: SaveQueue replaces the queue table in one
// transaction, so a crash never leaves a partially written queue.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
