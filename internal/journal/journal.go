package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/logstore"
)

// Meta keys owned by the journal.
var keyNextSeq = []byte("nextSeq")

// scanPageSize bounds how many entries one read transaction returns.
const scanPageSize = 256

var (
	errNotInitialized = errors.New("journal not initialized")
	errScanReused     = errors.New("journal scan already consumed")
)

// Journal is the write-ahead log over a logstore.KV.
type Journal struct {
	kv     logstore.KV
	clock  *Clock
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex // serializes Append (seq assignment + persist)
	ready atomic.Bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithNow sets the wall clock used for entry and snapshot timestamps.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = l
	}
}

// New creates a Journal over kv. Init must be called before use.
func New(kv logstore.KV, opts ...Option) *Journal {
	j := &Journal{
		kv:     kv,
		clock:  NewClockAt(0),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Init restores the seq counter. Must complete before any Append or replay.
//
// The counter resumes at the maximum of the persisted nextSeq, the highest
// entry seq + 1, and the snapshot's uptoSeq + 1, so numbering stays strictly
// above anything durably written even if the meta key is missing.
func (j *Journal) Init(ctx context.Context) error {
	var next int64
	err := j.kv.View(ctx, func(tx logstore.Tx) error {
		raw, err := tx.Get(logstore.BucketMeta, keyNextSeq)
		switch {
		case err == nil:
			n, perr := strconv.ParseInt(string(raw), 10, 64)
			if perr != nil {
				return fmt.Errorf("parse nextSeq %q: %w", raw, perr)
			}
			next = max(next, n)
		case !errors.Is(err, logstore.ErrNotFound):
			return err
		}

		last, ok, err := lastSeq(tx)
		if err != nil {
			return err
		}
		if ok {
			next = max(next, last+1)
		}

		hdr, ok, err := readSnapshotHeader(tx)
		if err != nil {
			return err
		}
		if ok {
			next = max(next, hdr.UptoSeq+1)
		}
		return nil
	})
	if err != nil {
		return ir.Wrap(ir.CodeStorageUnavailable, "journal init", err)
	}

	j.clock = NewClockAt(next)
	j.ready.Store(true)
	j.logger.Debug("journal initialized", "next_seq", next)
	return nil
}

// NextSeq returns the seq the next Append will receive.
func (j *Journal) NextSeq() int64 {
	return j.clock.Peek()
}

// LastSeq returns the highest assigned seq, or -1 for an empty journal.
func (j *Journal) LastSeq() int64 {
	return j.clock.Peek() - 1
}

// Append assigns the next seq to action and durably persists the entry
// together with the advanced counter.
//
// On any storage error nothing is persisted, the seq is returned to the
// counter, and an APPEND_FAILURE error is returned.
func (j *Journal) Append(ctx context.Context, action ir.Action) (ir.Entry, error) {
	if !j.ready.Load() {
		return ir.Entry{}, ir.Wrap(ir.CodeAppendFailure, "append", errNotInitialized)
	}
	if err := action.Validate(); err != nil {
		return ir.Entry{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := ir.Entry{
		Seq:       j.clock.Next(),
		Timestamp: j.now().UnixMilli(),
		Action:    action,
	}

	data, err := ir.MarshalCanonical(entry)
	if err != nil {
		j.clock.rollback(entry.Seq)
		return ir.Entry{}, ir.Wrap(ir.CodeAppendFailure, "append", fmt.Errorf("encode entry: %w", err))
	}

	err = j.kv.Update(ctx, func(tx logstore.Tx) error {
		if err := tx.Put(logstore.BucketJournal, logstore.SeqKey(entry.Seq), data); err != nil {
			return err
		}
		return tx.Put(logstore.BucketMeta, keyNextSeq, []byte(strconv.FormatInt(entry.Seq+1, 10)))
	})
	if err != nil {
		j.clock.rollback(entry.Seq)
		return ir.Entry{}, ir.Wrap(ir.CodeAppendFailure, "append", err)
	}

	return entry, nil
}

// ReplayFrom calls apply for every entry with seq > after, in ascending seq
// order with no gaps or duplicates. Returns the number of entries applied.
// An error from apply stops the replay and is returned.
func (j *Journal) ReplayFrom(ctx context.Context, after int64, apply func(ir.Entry) error) (int, error) {
	if !j.ready.Load() {
		return 0, errNotInitialized
	}
	n := 0
	for entry, err := range j.ScanFrom(ctx, after+1) {
		if err != nil {
			return n, fmt.Errorf("replay: %w", err)
		}
		if err := apply(entry); err != nil {
			return n, fmt.Errorf("replay seq %d: %w", entry.Seq, err)
		}
		n++
	}
	return n, nil
}

// ScanFrom returns the entries with seq >= from in ascending order.
//
// The sequence is lazy (pages are read on demand), finite (bounded by the
// counter at call time) and single-use. Entries that cannot be decoded are
// logged as REPLAY_CORRUPTION and skipped.
func (j *Journal) ScanFrom(ctx context.Context, from int64) iter.Seq2[ir.Entry, error] {
	upper := j.clock.Peek()
	var used atomic.Bool

	return func(yield func(ir.Entry, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(ir.Entry{}, errScanReused)
			return
		}
		if !j.ready.Load() {
			yield(ir.Entry{}, errNotInitialized)
			return
		}

		next := max(from, 0)
		for next < upper {
			page, last, err := j.readPage(ctx, next, upper)
			if err != nil {
				yield(ir.Entry{}, err)
				return
			}
			if last < next {
				return // nothing left in range
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			next = last + 1
		}
	}
}

// readPage reads up to scanPageSize entries in [from, upper).
// Returns the decoded entries and the highest seq key visited (from-1 if none).
func (j *Journal) readPage(ctx context.Context, from, upper int64) ([]ir.Entry, int64, error) {
	last := from - 1
	var page []ir.Entry

	err := j.kv.View(ctx, func(tx logstore.Tx) error {
		r := logstore.SeqRange(from, upper)
		r.Limit = scanPageSize
		it, err := tx.Scan(logstore.BucketJournal, r)
		if err != nil {
			return err
		}
		defer it.Close()

		for it.Next() {
			seq, err := logstore.ParseSeqKey(it.Key())
			if err != nil {
				return err
			}
			last = seq

			var entry ir.Entry
			if err := ir.DecodeJSON(it.Value(), &entry); err != nil {
				j.logger.Warn("skipping undecodable journal entry",
					"seq", seq,
					"code", ir.CodeReplayCorruption,
					"err", err,
				)
				continue
			}
			page = append(page, entry)
		}
		return it.Err()
	})
	if err != nil {
		return nil, last, fmt.Errorf("scan journal from %d: %w", from, err)
	}
	return page, last, nil
}

// Compact deletes entries with seq <= cutoff and returns how many were removed.
//
// Caller contract: cutoff must already be covered by a durably saved
// snapshot. This is enforced; a cutoff beyond the snapshot's uptoSeq (or
// with no snapshot at all) fails with COMPACTION_UNSAFE and deletes nothing.
func (j *Journal) Compact(ctx context.Context, cutoff int64) (int64, error) {
	if cutoff < 0 {
		return 0, nil
	}

	var deleted int64
	err := j.kv.Update(ctx, func(tx logstore.Tx) error {
		hdr, ok, err := readSnapshotHeader(tx)
		if err != nil {
			return err
		}
		if !ok || hdr.UptoSeq < cutoff {
			covered := int64(-1)
			if ok {
				covered = hdr.UptoSeq
			}
			return ir.Errorf(ir.CodeCompactionUnsafe, "compact",
				"cutoff %d not covered by durable snapshot (uptoSeq %d)", cutoff, covered)
		}

		deleted, err = tx.DeleteRange(logstore.BucketJournal, logstore.SeqRange(0, cutoff+1))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("compact through %d: %w", cutoff, err)
	}

	j.logger.Debug("journal compacted", "cutoff", cutoff, "deleted", deleted)
	return deleted, nil
}

// Stats summarizes the journal for diagnostics.
type Stats struct {
	NextSeq           int64 `json:"nextSeq"`
	EntryCount        int64 `json:"entryCount"`
	FirstSeq          int64 `json:"firstSeq"` // -1 if empty
	LastSeq           int64 `json:"lastSeq"`  // -1 if empty
	SnapshotTimestamp int64 `json:"snapshotTimestamp"`
	SnapshotUptoSeq   int64 `json:"snapshotUptoSeq"` // -1 if no snapshot
}

// Stats returns entry counts and snapshot position.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		NextSeq:         j.clock.Peek(),
		FirstSeq:        -1,
		LastSeq:         -1,
		SnapshotUptoSeq: -1,
	}

	err := j.kv.View(ctx, func(tx logstore.Tx) error {
		n, err := tx.Count(logstore.BucketJournal, logstore.All)
		if err != nil {
			return err
		}
		st.EntryCount = n

		if first, ok, err := edgeSeq(tx, false); err != nil {
			return err
		} else if ok {
			st.FirstSeq = first
		}
		if last, ok, err := lastSeq(tx); err != nil {
			return err
		} else if ok {
			st.LastSeq = last
		}

		hdr, ok, err := readSnapshotHeader(tx)
		if err != nil {
			return err
		}
		if ok {
			st.SnapshotTimestamp = hdr.Timestamp
			st.SnapshotUptoSeq = hdr.UptoSeq
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("journal stats: %w", err)
	}
	return st, nil
}

func lastSeq(tx logstore.Tx) (int64, bool, error) {
	return edgeSeq(tx, true)
}

// edgeSeq returns the lowest (or highest, if reverse) seq in the journal.
func edgeSeq(tx logstore.Tx, reverse bool) (int64, bool, error) {
	it, err := tx.Scan(logstore.BucketJournal, logstore.Range{Reverse: reverse, Limit: 1})
	if err != nil {
		return 0, false, err
	}
	defer it.Close()

	if !it.Next() {
		return 0, false, it.Err()
	}
	seq, err := logstore.ParseSeqKey(it.Key())
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}
