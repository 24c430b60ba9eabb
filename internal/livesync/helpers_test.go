package livesync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/logstore"
	"github.com/roach88/fecore/internal/remote"
	"github.com/roach88/fecore/internal/store"
	"github.com/roach88/fecore/internal/testutil"
)

const (
	testDevice    = "dev-a"
	otherDevice   = "dev-b"
	testPartition = "p1"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var discard = slog.New(slog.DiscardHandler)

func newTestStore(t *testing.T, kv logstore.KV, opts ...store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{
		store.WithClock(testutil.NewDeterministicClock().Now),
		store.WithLogger(discard),
	}, opts...)
	s := store.New(kv, opts...)
	require.NoError(t, s.Init(context.Background()))
	return s
}

// startReconciler starts a reconciler for testDevice in testPartition and
// stops it on cleanup.
func startReconciler(t *testing.T, s *store.Store, rem remote.Remote, opts ...Option) *Reconciler {
	t.Helper()
	base := []Option{
		WithDeviceID(testDevice),
		WithPartition(testPartition),
		WithInterval(20 * time.Millisecond),
		WithLogger(discard),
	}
	if rem != nil {
		base = append(base, WithRemote(rem))
	}
	r := New(s, append(base, opts...)...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

// seedRow writes a row as another device would.
func seedRow(t *testing.T, mem *remote.Memory, table, partition, id string, cols remote.Row) {
	t.Helper()
	row := cols.Clone()
	if row == nil {
		row = remote.Row{}
	}
	row[remote.ColID] = id
	row[remote.ColPartition] = partition
	row[remote.ColUpdatedDevice] = otherDevice
	require.NoError(t, mem.Upsert(context.Background(), table, row))
}

// pushedIDs returns the ids of rows this device pushed to table, in order.
func pushedIDs(mem *remote.Memory, table string) []string {
	var ids []string
	for _, p := range mem.Pushes() {
		if p.Table == table && p.Row.UpdatedDevice() == testDevice {
			ids = append(ids, p.Row.ID())
		}
	}
	return ids
}

func journalEntries(t *testing.T, s *store.Store) []ir.Entry {
	t.Helper()
	var out []ir.Entry
	for e, err := range s.Journal().ScanFrom(context.Background(), 0) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func mutateCard(t *testing.T, s *store.Store, id, title string) ir.Entry {
	t.Helper()
	e, err := s.Mutate(context.Background(), ir.Put("card", id, ir.Record{"title": title, "laneId": "l1"}))
	require.NoError(t, err)
	return e
}

// statusRecorder collects status transitions.
type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (s *statusRecorder) record(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, st)
}

func (s *statusRecorder) snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.seen)
}
