// Package store provides the materialized in-memory view over the journal.
//
// The store holds type → id → record maps rebuilt on Init from the latest
// snapshot plus the journal tail. It is the only mutation entry point:
// Mutate and IngestRemote append to the journal first and apply in memory
// only after the append is durable.
//
// # Critical Patterns
//
// Append then apply: Mutate holds the write lock across journal append and
// in-memory apply, so apply order equals seq order and a failed append
// leaves state untouched.
//
// Deterministic records: updated_at is stamped once at mutation time and
// persisted inside the entry. Records are normalized through canonical JSON
// before they are applied, so live state and replayed state hold identical
// values.
//
// Loop breaking: IngestRemote tags the action as remote and never invokes
// the mutation hook.
//
// Snapshot cadence: a snapshot is taken after a fixed number of applies or
// once the unsnapshotted tail grows past a bound. At most one snapshot runs
// at a time; overlapping triggers are no-ops.
package store
