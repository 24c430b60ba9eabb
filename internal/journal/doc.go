// Package journal implements the fecore write-ahead journal.
//
// The journal is the durable, strictly ordered source of truth. It owns the
// monotonic seq counter, entry persistence, the single snapshot slot and
// compaction. The materialized store is rebuilt from the latest snapshot plus
// the journal tail after it.
//
// CRITICAL PATTERNS:
//
// Seq assignment: Append takes the journal lock, assigns seq from the
// counter, then writes the entry and the advanced counter in ONE transaction.
// A crash between the two cannot yield a duplicate seq on restart; a failed
// write rolls the counter back so no seq is burned.
//
// Compaction safety: Compact refuses any cutoff not covered by a durably
// saved snapshot.
//
// Scans: ScanFrom pages through the journal in short read transactions and
// yields entries lazily. The returned sequence is single-use.
package journal
