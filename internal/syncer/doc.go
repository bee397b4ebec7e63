// Package syncer implements the Sync Manager: it reconciles one entity
// collection between the Local Store and a Remote Data Source.
//
// # Queue
//
// Each record id has at most one SyncTask. A new mutation coalesces into the
// existing task and keeps its retry position; Delete always wins over a
// pending Create or Update. Deleting a record the remote has never seen
// cancels its task outright, so no remote call is made.
//
// # Dispatch
//
// RunPendingSync dispatches every due task on a bounded set of workers. A task
// is dispatched from a snapshot taken under the record's lock; the lock is
// released for the network call, and the result is applied under the lock
// again against whatever the record has become meanwhile. A result that no
// longer matches the record's current intent only updates the revision and
// leaves the newer change queued.
//
//   - success: the revision is stored and the record becomes Clean
//   - revision conflict: a ConflictRecord is stored and the task is held
//   - rejected: the task is dropped and the record is Clean with a failure
//   - transient: exponential backoff with jitter, capped; after MaxAttempts
//     the record is flagged exhausted and retried at the cap
//
// # Time
//
// Retry deadlines come from Clock.Now, which for the system clock carries Go's
// monotonic reading, so wall-clock adjustments do not move them.
package syncer
