// Package record defines the data model shared by the offline-first
// synchronization layer.
//
// A Record is one entity instance (a workout, a user profile, ...) as the
// client currently believes it to be. The payload is opaque to the sync layer;
// only the metadata (revision, local version, sync state) drives behavior.
//
// # Invariants
//
//   - A Clean record carries the revision last returned by the remote source
//     and has not been mutated locally since.
//   - LocalVersion strictly increases on every local mutation. It is compared,
//     never interpreted as time.
//   - Revision is an opaque server token. It is compared by exact match only.
//   - A Conflicted record is never overwritten by sync; a Resolution is required.
//
// Payloads are stored in canonical JSON (sorted keys, NFC strings, no HTML
// escaping) so that two payloads with the same content are byte-identical.
package record
