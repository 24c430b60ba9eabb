// Package ir provides the shared data model for fecore.
//
// This package contains the action, journal entry, record and snapshot types
// plus the canonical JSON encoding used to persist them. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Records are persisted exactly as stamped at mutation time; updated_at is
//     never recomputed on replay
//   - Ordering uses the journal seq only, never timestamps
//   - Numbers are carried as json.Number so replayed state holds the same Go
//     values as live state
//   - Timestamps are Unix milliseconds
package ir
