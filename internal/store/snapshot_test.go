package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/logstore"
	"github.com/roach88/fecore/internal/testutil"
)

// workload applies a mixed sequence of puts and deletes across two types.
// Records carry explicit updated_at stamps so two stores fed the same
// workload hold identical records regardless of their clocks.
func workload(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		var action ir.Action
		switch {
		case i%7 == 3:
			action = ir.Delete("card", fmt.Sprintf("c%d", i%5))
		case i%3 == 0:
			action = ir.Put("lane", fmt.Sprintf("l%d", i%2), ir.Record{
				"name":       fmt.Sprintf("lane %d", i),
				"order":      i,
				"updated_at": int64(1000 + i),
			})
		default:
			action = ir.Put("card", fmt.Sprintf("c%d", i%5), ir.Record{
				"title":      fmt.Sprintf("card %d", i),
				"laneId":     fmt.Sprintf("l%d", i%2),
				"tags":       []any{"a", i},
				"updated_at": int64(1000 + i),
			})
		}
		_, err := s.Mutate(ctx, action)
		require.NoError(t, err)
	}
}

func assertSameView(t *testing.T, want, got *Store) {
	t.Helper()
	for _, typ := range []string{"card", "lane"} {
		assert.Equal(t, want.List(typ), got.List(typ), "list(%s)", typ)
		for _, rec := range want.List(typ) {
			id := rec["id"].(string)
			other, ok := got.Get(typ, id)
			assert.True(t, ok, "get(%s, %s)", typ, id)
			assert.Equal(t, rec, other)
		}
	}
}

func TestReplay_RebuildMatchesLive(t *testing.T) {
	tests := []struct {
		name  string
		every int
	}{
		{"journal only", 0},
		{"with snapshots", 7},
		{"snapshot every action", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, path := testutil.OpenTestKV(t)
			live := newTestStore(t, kv, WithSnapshotEvery(tt.every))
			workload(t, live, 40)

			reopened, err := logstore.OpenSQLite(path)
			require.NoError(t, err)
			defer reopened.Close()

			rebuilt := newTestStore(t, reopened, WithSnapshotEvery(tt.every))
			assertSameView(t, live, rebuilt)
			assert.Equal(t, live.LastAppliedSeq(), rebuilt.LastAppliedSeq())

			report, err := live.Verify(context.Background())
			require.NoError(t, err)
			assert.True(t, report.Match)
		})
	}
}

func TestSnapshotNow_ReplayOnlyTailMatchesFullReplay(t *testing.T) {
	full, _ := testutil.OpenTestKV(t)
	snapped, _ := testutil.OpenTestKV(t)
	ctx := context.Background()

	a := newTestStore(t, full, WithSnapshotEvery(0))
	b := newTestStore(t, snapped, WithSnapshotEvery(0))
	workload(t, a, 25)
	workload(t, b, 25)

	res, err := b.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(24), res.UptoSeq)
	assert.Equal(t, int64(25), res.Compacted)

	workload(t, b, 5)
	workload(t, a, 5)

	assertSameView(t, newTestStore(t, full), newTestStore(t, snapped))
}

func TestSnapshotNow_SkipsWhenInFlight(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	putCard(t, s, "c1", "A")

	s.snapshotting.Store(true)
	res, err := s.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	stats, err := s.DebugStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), stats.Journal.SnapshotUptoSeq)
	assert.Zero(t, stats.Snapshots)
}

func TestSnapshotNow_EmptyStore(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	res, err := s.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.UptoSeq)
	assert.Zero(t, res.Compacted)

	putCard(t, s, "c1", "A")
	rebuilt := newTestStore(t, kv)
	assertSameView(t, s, rebuilt)
}

func TestSnapshotNow_RespectsCompactionFloor(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv, WithSnapshotEvery(0))
	ctx := context.Background()

	floor := int64(2)
	s.SetCompactionFloor(func() int64 { return floor })

	for i := range 10 {
		putCard(t, s, fmt.Sprintf("c%d", i), "t")
	}

	res, err := s.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.UptoSeq)
	assert.Equal(t, int64(3), res.Compacted)

	stats, err := s.DebugStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Journal.FirstSeq)
	assert.Equal(t, int64(7), stats.Journal.EntryCount)

	floor = -1
	putCard(t, s, "c10", "t")
	res, err = s.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Compacted)

	assertSameView(t, s, newTestStore(t, kv))
}

func TestSnapshotNow_MaxTailTriggersAtMutate(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv, WithSnapshotEvery(0), WithMaxTail(5))

	for i := range 7 {
		putCard(t, s, fmt.Sprintf("c%d", i), "t")
	}

	stats, err := s.DebugStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Snapshots)
	assert.Equal(t, int64(4), stats.Journal.SnapshotUptoSeq)
	assert.Equal(t, int64(2), stats.Journal.EntryCount)
}

func TestSnapshotCadence_CountsLocalMutationsOnly(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv, WithSnapshotEvery(2), WithMaxTail(0))
	ctx := context.Background()

	for i := range 3 {
		_, err := s.IngestRemote(ctx, ir.Put("card", fmt.Sprintf("r%d", i), ir.Record{"title": "remote"}))
		require.NoError(t, err)
	}
	stats, err := s.DebugStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Snapshots, "remote ingests triggered a snapshot")

	putCard(t, s, "c1", "A")
	putCard(t, s, "c2", "B")

	stats, err = s.DebugStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Snapshots)
	assert.Equal(t, int64(4), stats.Journal.SnapshotUptoSeq)
}

func TestInit_SnapshotsLongTailAtBoot(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	ctx := context.Background()

	writer := newTestStore(t, kv, WithSnapshotEvery(0), WithMaxTail(0))
	for i := range 8 {
		putCard(t, writer, fmt.Sprintf("c%d", i), "t")
	}

	booted := newTestStore(t, kv, WithMaxTail(5))
	stats, err := booted.DebugStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Snapshots)
	assert.Equal(t, int64(7), stats.Journal.SnapshotUptoSeq)
	assert.Zero(t, stats.Journal.EntryCount)
	assert.Equal(t, 8, stats.Counts["card"])
}

func TestInit_CorruptSnapshotIsFatal(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	ctx := context.Background()

	s := newTestStore(t, kv)
	putCard(t, s, "c1", "A")
	_, err := s.SnapshotNow(ctx)
	require.NoError(t, err)

	require.NoError(t, kv.Update(ctx, func(tx logstore.Tx) error {
		return tx.Put(logstore.BucketSnapshot, []byte("latest"), []byte("{}"))
	}))

	err = New(kv).Init(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.CodeSnapshotCorrupt))
}

func TestVerify_DetectsDivergence(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	putCard(t, s, "c1", "A")

	s.mu.Lock()
	s.state["card"]["ghost"] = ir.Record{"id": "ghost"}
	s.mu.Unlock()

	report, err := s.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Match)
	assert.NotEqual(t, report.LiveChecksum, report.RebuiltChecksum)
}
