// Package livesync reconciles a local store with a remote replica.
//
// A Reconciler pulls the partition's rows at startup, ingests realtime
// changes from other devices, and pushes the local journal tail to the
// remote in seq order. The journal is the outbound queue: the persisted
// cursor (sync.last_pushed_seq) marks the highest seq known to be pushed,
// so pushes survive restarts and offline periods.
//
// Echo suppression: every pushed row carries this device's id in
// updated_device, and realtime changes stamped with it are dropped.
// Remote-origin journal entries are never pushed back.
//
// All reconciliation work (pull, inbound ingestion, drain) runs on one
// loop goroutine, so ingestion and push order are deterministic.
package livesync
