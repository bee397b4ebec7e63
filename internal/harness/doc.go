// Package harness runs end-to-end sync scenarios against an in-memory
// remote with a manual clock.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_coalesce
//	description: "Edits made offline reach the remote as one update"
//	collection: workouts
//	setup:
//	  - id: w1
//	    payload: { reps: 8 }
//	flow:
//	  - do: get
//	    id: w1
//	  - do: offline
//	  - do: put
//	    id: w1
//	    payload: { reps: 10 }
//	  - do: online
//	    expect:
//	      report: { synced: 1 }
//	assertions:
//	  - type: remote
//	    id: w1
//	    expect: { revision: r2, payload: { reps: 10 } }
//	  - type: remote_calls
//	    id: w1
//	    operations: [update]
//
// Setup records are stored on the remote before the flow starts, as if
// another client had written them.
//
// # Flow Steps
//
//   - put, delete, get, purge, refresh: repository operations on id
//   - sync: one pending sync pass; sync_record syncs id alone
//   - offline, online: connectivity transitions; online runs the restore pass
//   - advance: moves the clock by duration
//   - resolve: settles the conflict on id (keep_local, keep_remote, merge)
//   - remote_put, remote_delete: changes made by another client
//   - remote_fail: the next count remote mutations fail, rejected when a
//     reason is given and unreachable otherwise
//
// # Assertion Types
//
//   - record: local record fields (sync_state, revision, local_version,
//     payload, failure, exhausted)
//   - record_missing: the record is gone from the local store
//   - remote, remote_missing: remote state of id
//   - remote_calls: remote mutations, optionally for one id
//   - task, no_task: the queued sync task for id
//   - conflict: the pending conflict for id
//   - event_count, event_order: sync events in the trace
//
// # Determinism
//
// Each run uses a fresh in-memory store, one sync worker, a manual clock
// starting at testutil.Epoch, jitter-free backoff and sequential conflict
// ids, so traces are identical across runs and can be compared against
// golden files.
package harness
