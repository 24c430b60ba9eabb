// Package logstore provides a transactional, ordered key-value store over
// SQLite for the fecore journal.
//
// The store exposes three logical regions as buckets:
//   - journal: append-only entries keyed by seq (8-byte big-endian)
//   - snapshot: a single slot keyed by a fixed id
//   - meta: small persisted counters and cursors keyed by name
//
// Keys within a bucket compare bytewise (SQLite BLOB memcmp), so SeqKey
// encodings iterate in numeric order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: one writer, no SQLITE_BUSY between our own goroutines
//
// Because the pool holds a single connection, a View or Update callback must
// not open another transaction on the same KV.
package logstore
