// Package harness runs multi-device sync scenarios.
//
// Each device in a scenario gets its own database, store and reconciler.
// All devices share one replica, reached directly or through the relay
// server, and one partition. Steps drive local edits, connectivity, relay
// outages and push faults; await steps and the final assertions poll until
// they hold or the timeout expires.
//
// # Scenario Format
//
//	name: offline_drain
//	description: "Offline edits drain in seq order"
//	devices: [a, b]
//	partition: p1
//	transport: memory        # or http
//	schema: board.cue        # optional, relative to the scenario file
//	snapshot_every: 2        # optional store cadence
//	timeout: 3s              # per await and for the final assertions
//	steps:
//	  - {device: a, offline: true}
//	  - device: a
//	    put: {type: card, id: c1, data: {title: one}}
//	  - fail_pushes: [c1]
//	  - {device: a, online: true}
//	  - await:
//	      - {type: status, device: a, status: Degraded}
//	  - clear_faults: true
//	assertions:
//	  - {type: push_order, table: fe_cards, ids: [c1]}
//	  - type: converged
//
// # Steps
//
// put, delete, offline, online, restart and snapshot act on one device.
// remote (down|up), fail_pushes, clear_faults and drop_subscriptions act on
// the replica. expect_error makes a put or delete pass only if it fails
// with that error code.
//
// # Assertion Types
//
//   - record / absent: a device holds (or lacks) a record; expect is a subset match
//   - remote_row / remote_absent: the replica holds (or lacks) a row
//   - push_order: ids pushed to a table, in order, optionally by one device; deletes as "-id"
//   - converged: every device holds the same state
//   - status: a device's sync status
//   - pushed_through: a device's push cursor
//   - journal_entries: a device's journal entry count
//
// # Golden Files
//
// RunWithGolden compares the replica's push log and every device's final
// state against testdata/golden/{name}.golden. Scenarios compared this way
// set updated_at explicitly so the output does not depend on timing.
package harness
