package store

import (
	"context"
	"fmt"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/journal"
)

// SnapshotResult describes one SnapshotNow call.
type SnapshotResult struct {
	Skipped   bool  `json:"skipped"` // another snapshot was in flight
	UptoSeq   int64 `json:"uptoSeq"`
	Compacted int64 `json:"compacted"`
}

// SnapshotNow saves the current state at the last applied seq, then
// compacts the journal through that seq (bounded by the compaction floor).
//
// Safe to call concurrently with Mutate: entries appended after the
// captured cutoff stay in the tail. If a snapshot is already running the
// call returns immediately with Skipped set.
func (s *Store) SnapshotNow(ctx context.Context) (SnapshotResult, error) {
	if !s.snapshotting.CompareAndSwap(false, true) {
		return SnapshotResult{Skipped: true}, nil
	}
	defer s.snapshotting.Store(false)

	s.mu.Lock()
	state := make(ir.State, len(s.state))
	for typ, bucket := range s.state {
		m := make(map[string]ir.Record, len(bucket))
		for id, rec := range bucket {
			m[id] = rec
		}
		state[typ] = m
	}
	upto := s.lastApplied
	applied := s.sinceSnapshot
	s.sinceSnapshot = 0
	s.mu.Unlock()

	if err := s.journal.SaveSnapshot(ctx, state, upto); err != nil {
		s.mu.Lock()
		s.sinceSnapshot += applied
		s.mu.Unlock()
		return SnapshotResult{}, err
	}

	s.mu.Lock()
	s.snapshotUpto = max(s.snapshotUpto, upto)
	s.mu.Unlock()
	s.snapshots.Add(1)

	cutoff := upto
	if floor := s.compactionFloor(); floor != nil {
		cutoff = min(cutoff, floor())
	}

	res := SnapshotResult{UptoSeq: upto}
	if cutoff >= 0 {
		n, err := s.journal.Compact(ctx, cutoff)
		if err != nil {
			return res, err
		}
		res.Compacted = n
	}

	s.logger.Debug("snapshot taken",
		"upto_seq", upto,
		"cutoff", cutoff,
		"compacted", res.Compacted,
	)
	return res, nil
}

// maybeSnapshot runs SnapshotNow when either cadence threshold is reached.
// Failures are logged; the mutation that triggered it is already durable.
func (s *Store) maybeSnapshot(ctx context.Context) {
	s.mu.RLock()
	due := (s.snapshotEvery > 0 && s.sinceSnapshot >= s.snapshotEvery) ||
		(s.maxTail > 0 && s.lastApplied-s.snapshotUpto >= int64(s.maxTail))
	s.mu.RUnlock()
	if !due {
		return
	}

	if _, err := s.SnapshotNow(ctx); err != nil {
		s.logger.Warn("snapshot failed", "err", err)
	}
}

// DebugStats merges journal statistics with per-type record counts.
type DebugStats struct {
	Journal        journal.Stats  `json:"journal"`
	Counts         map[string]int `json:"counts"`
	LastAppliedSeq int64          `json:"lastAppliedSeq"`
	Snapshots      int64          `json:"snapshots"` // taken by this process
	Skipped        int64          `json:"skipped"`   // entries skipped at replay
}

// DebugStats returns a diagnostic summary.
func (s *Store) DebugStats(ctx context.Context) (DebugStats, error) {
	js, err := s.journal.Stats(ctx)
	if err != nil {
		return DebugStats{}, err
	}

	s.mu.RLock()
	counts := s.state.Count()
	last := s.lastApplied
	s.mu.RUnlock()

	return DebugStats{
		Journal:        js,
		Counts:         counts,
		LastAppliedSeq: last,
		Snapshots:      s.snapshots.Load(),
		Skipped:        s.skipped.Load(),
	}, nil
}

// VerifyReport compares live state with a fresh rebuild from disk.
type VerifyReport struct {
	Match           bool   `json:"match"`
	LiveChecksum    string `json:"liveChecksum"`
	RebuiltChecksum string `json:"rebuiltChecksum"`
	Records         int    `json:"records"`
	SnapshotUptoSeq int64  `json:"snapshotUptoSeq"`
	Replayed        int    `json:"replayed"`
}

// Verify rebuilds state from snapshot plus tail and compares it with the
// live state. Mutations block while verification runs.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rb, err := s.rebuild(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verify: %w", err)
	}

	live, err := ir.StateChecksum(pruneEmpty(s.state))
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verify: %w", err)
	}
	rebuiltSum, err := ir.StateChecksum(pruneEmpty(rb.state))
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verify: %w", err)
	}

	records := 0
	for _, n := range s.state.Count() {
		records += n
	}
	return VerifyReport{
		Match:           live == rebuiltSum,
		LiveChecksum:    live,
		RebuiltChecksum: rebuiltSum,
		Records:         records,
		SnapshotUptoSeq: rb.snapshotUpto,
		Replayed:        rb.replayed,
	}, nil
}

// pruneEmpty drops types with no records so a deleted-out type compares
// equal to one that never existed.
func pruneEmpty(state ir.State) ir.State {
	out := make(ir.State, len(state))
	for typ, bucket := range state {
		if len(bucket) > 0 {
			out[typ] = bucket
		}
	}
	return out
}
