// Package repository is the read/write entry point for one collection.
//
// Reads consult the memory cache, the disk cache and the local store in
// turn; a stale hit schedules a background re-fetch and a miss everywhere
// blocks on the remote. Writes are acknowledged once the local store holds
// them and are synced by the collection's syncer.Manager. Deletes leave a
// tombstone until the remote confirms them, so reads never resurrect a
// deleted record.
package repository
