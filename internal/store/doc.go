// Package store provides the SQLite-backed Local Store.
//
// Records from every collection share one database. Each collection is
// addressed through a Collection handle, which exposes durable key-value
// operations keyed by record id plus an atomic read-modify-write (Update).
//
// # Guarantees
//
//   - Writes are durable before the call returns (WAL + synchronous=NORMAL).
//   - Update runs the caller's function inside a transaction, so a read and
//     the write derived from it cannot interleave with another writer.
//   - List results are deterministic: every query ends its ORDER BY with
//     id COLLATE BINARY.
//   - Payloads are stored in canonical JSON; timestamps as unix nanoseconds
//     (0 for "never").
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: SQLite allows one writer at a time
package store
