package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/journal"
	"github.com/roach88/fecore/internal/logstore"
	"github.com/roach88/fecore/internal/schema"
)

// Snapshot cadence defaults.
const (
	DefaultSnapshotEvery = 50
	DefaultMaxTail       = 500
)

// Mutation is passed to the mutation hook after a local action is applied.
type Mutation struct {
	Action ir.Action
	Seq    int64
}

// MutationHook observes locally originated mutations. It runs synchronously
// on the mutating goroutine and must not block.
type MutationHook func(Mutation)

// Store is the materialized view and the mutation gateway.
//
// Thread-safety: all methods are safe for concurrent use. Subscriber
// callbacks and the mutation hook run outside the state lock and may call
// Get and List.
type Store struct {
	kv      logstore.KV
	journal *journal.Journal
	logger  *slog.Logger
	now     func() time.Time
	schema  *schema.Registry

	snapshotEvery int
	maxTail       int

	mu            sync.RWMutex // guards state, lastApplied, sinceSnapshot, snapshotUpto
	state         ir.State
	lastApplied   int64
	sinceSnapshot int
	snapshotUpto  int64

	subsMu  sync.Mutex
	subs    map[string]map[int]func()
	nextSub int

	hookMu sync.RWMutex
	hook   MutationHook
	floor  func() int64

	snapshotting atomic.Bool
	snapshots    atomic.Int64
	skipped      atomic.Int64
	ready        atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotEvery sets how many applies trigger a snapshot.
// Default: 50. Zero or negative disables the action threshold.
func WithSnapshotEvery(n int) Option {
	return func(s *Store) {
		s.snapshotEvery = n
	}
}

// WithMaxTail sets the unsnapshotted journal tail length that triggers a
// snapshot, both at boot and after a mutation. Default: 500.
func WithMaxTail(n int) Option {
	return func(s *Store) {
		s.maxTail = n
	}
}

// WithClock sets the wall clock used to stamp updated_at and entry
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSchema enables per-type record validation.
func WithSchema(reg *schema.Registry) Option {
	return func(s *Store) {
		s.schema = reg
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store over kv. Init must be called before use.
func New(kv logstore.KV, opts ...Option) *Store {
	s := &Store{
		kv:            kv,
		logger:        slog.Default(),
		now:           time.Now,
		snapshotEvery: DefaultSnapshotEvery,
		maxTail:       DefaultMaxTail,
		state:         ir.State{},
		lastApplied:   -1,
		snapshotUpto:  -1,
		subs:          make(map[string]map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.journal = journal.New(kv, journal.WithNow(s.now), journal.WithLogger(s.logger))
	return s
}

// Journal returns the underlying journal. The reconciler scans it for
// unpushed entries.
func (s *Store) Journal() *journal.Journal {
	return s.journal
}

// KV returns the underlying key-value store.
func (s *Store) KV() logstore.KV {
	return s.kv
}

// Init restores the journal counter, hydrates state from the latest
// snapshot and replays the tail after it.
//
// Entries that fail to apply are logged as REPLAY_CORRUPTION and skipped.
// A corrupt snapshot is fatal: the journal before it may already be
// compacted, so state cannot be rebuilt.
func (s *Store) Init(ctx context.Context) error {
	if err := s.journal.Init(ctx); err != nil {
		return err
	}

	rb, err := s.rebuild(ctx)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	s.mu.Lock()
	s.state = rb.state
	s.snapshotUpto = rb.snapshotUpto
	s.lastApplied = rb.lastSeq
	s.sinceSnapshot = 0
	tail := s.lastApplied - s.snapshotUpto
	s.mu.Unlock()
	s.skipped.Add(int64(rb.skipped))
	s.ready.Store(true)

	s.logger.Info("store initialized",
		"snapshot_upto_seq", rb.snapshotUpto,
		"replayed", rb.replayed,
		"skipped", rb.skipped,
		"last_seq", rb.lastSeq,
	)

	if s.maxTail > 0 && tail > int64(s.maxTail) {
		s.logger.Info("journal tail exceeds bound, snapshotting at boot",
			"tail", tail,
			"max_tail", s.maxTail,
		)
		if _, err := s.SnapshotNow(ctx); err != nil {
			s.logger.Warn("boot snapshot failed", "err", err)
		}
	}
	return nil
}

type rebuilt struct {
	state        ir.State
	snapshotUpto int64
	lastSeq      int64
	replayed     int
	skipped      int
}

// rebuild reconstructs state from the latest snapshot plus the journal tail
// without touching the live state.
func (s *Store) rebuild(ctx context.Context) (rebuilt, error) {
	rb := rebuilt{state: ir.State{}, snapshotUpto: -1}

	snap, err := s.journal.LoadSnapshot(ctx)
	if err != nil {
		return rb, err
	}
	if snap != nil {
		for typ, bucket := range snap.State {
			m := make(map[string]ir.Record, len(bucket))
			for id, rec := range bucket {
				m[id] = rec
			}
			rb.state[typ] = m
		}
		rb.snapshotUpto = snap.UptoSeq
	}

	rb.replayed, err = s.journal.ReplayFrom(ctx, rb.snapshotUpto, func(e ir.Entry) error {
		if !s.applyReplayed(rb.state, e) {
			rb.skipped++
		}
		return nil
	})
	if err != nil {
		return rb, err
	}
	rb.lastSeq = max(rb.snapshotUpto, s.journal.LastSeq())
	return rb, nil
}

// SetMutationHook installs the hook invoked after every local mutation.
// Passing nil removes it.
func (s *Store) SetMutationHook(hook MutationHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = hook
}

// SetCompactionFloor bounds compaction: a snapshot compacts at most through
// floor(). Entries above the floor are retained even once covered by the
// snapshot. Passing nil removes the bound.
func (s *Store) SetCompactionFloor(floor func() int64) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.floor = floor
}

func (s *Store) mutationHook() MutationHook {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.hook
}

func (s *Store) compactionFloor() func() int64 {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.floor
}
