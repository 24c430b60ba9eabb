// Package remote provides the remote authoritative replica and its realtime
// change feed.
//
// A remote keeps one row set per table, keyed by (partition_id, id). Every
// row also carries updated_device, the id of the device that last wrote it;
// receivers use it only to discard reflections of their own writes.
//
// Implementations:
//   - Memory: in-process replica with fault injection, for tests and demos
//   - SQLiteReplica: durable replica on a pure-Go SQLite driver, used by the relay
//   - Server: HTTP + websocket relay exposing any Remote
//   - Client: Remote implementation that talks to a Server
//
// All implementations fan changes out through a Hub, which preserves
// per-subscriber delivery order and never blocks the writer.
package remote
