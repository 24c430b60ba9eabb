package livesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/logstore"
	"github.com/roach88/fecore/internal/remote"
	"github.com/roach88/fecore/internal/store"
	"github.com/roach88/fecore/internal/testutil"
)

func TestReconciler_LocalWithoutRemote(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	r := New(s, WithLogger(discard))
	var rec statusRecorder
	r.OnStatus(rec.record)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	assert.Equal(t, StatusLocal, r.Status())
	assert.Equal(t, []Status{StatusLocal}, rec.snapshot())

	id := r.Identity()
	dev, err := uuid.Parse(id.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), dev.Version())
	assert.NotEmpty(t, id.PartitionID)

	mutateCard(t, s, "c1", "A")
	_, ok := s.Get("card", "c1")
	assert.True(t, ok)

	r.Stop()
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestReconciler_StartTwice(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	r := startReconciler(t, s, nil)
	assert.ErrorIs(t, r.Start(context.Background()), errStarted)
}

func TestReconciler_StartupPullsLanesThenCards(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory(discard)
	seedRow(t, mem, "fe_cards", testPartition, "c1", remote.Row{"title": "Write", "lane_id": "l1", "updated_at": 20})
	seedRow(t, mem, "fe_lanes", testPartition, "l1", remote.Row{"name": "Todo", "updated_at": 10})
	seedRow(t, mem, "fe_cards", "p2", "c9", remote.Row{"title": "Elsewhere"})

	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	var rec statusRecorder
	r := New(s,
		WithRemote(mem),
		WithDeviceID(testDevice),
		WithPartition(testPartition),
		WithInterval(time.Hour),
		WithLogger(discard),
	)
	r.OnStatus(rec.record)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Stop)

	assert.Equal(t, StatusLive, r.Status())
	assert.Equal(t, []Status{StatusSyncing, StatusLive}, rec.snapshot())

	lane, ok := s.Get("lane", "l1")
	require.True(t, ok)
	assert.Equal(t, "Todo", lane["name"])

	card, ok := s.Get("card", "c1")
	require.True(t, ok)
	assert.Equal(t, "l1", card["laneId"])
	assert.NotContains(t, card, "lane_id")
	assert.NotContains(t, card, remote.ColPartition)
	assert.NotContains(t, card, remote.ColUpdatedDevice)
	updatedAt, ok := card.UpdatedAt()
	require.True(t, ok)
	assert.Equal(t, int64(20), updatedAt)

	_, ok = s.Get("card", "c9")
	assert.False(t, ok, "row from another partition was pulled")

	entries := journalEntries(t, s)
	require.Len(t, entries, 2)
	assert.Equal(t, "lane", entries[0].Action.Type)
	assert.Equal(t, "card", entries[1].Action.Type)
	for _, e := range entries {
		assert.Equal(t, ir.SourceRemote, e.Action.Meta.Source)
	}

	worlds, err := mem.Select(ctx, DefaultPartitionTable, testPartition)
	require.NoError(t, err)
	require.Len(t, worlds, 1)
	assert.Equal(t, testPartition, worlds[0].ID())
	assert.Equal(t, testDevice, worlds[0].UpdatedDevice())

	assert.Equal(t, 1, mem.Subscribers())
	assert.Empty(t, pushedIDs(mem, "fe_cards"), "pulled rows were pushed back")
	assert.Equal(t, int64(1), r.Stats().LastPushedSeq)
}

func TestReconciler_PushesLocalMutationImmediately(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	// A one hour interval leaves the mutation hook as the only trigger.
	r := startReconciler(t, s, mem, WithInterval(time.Hour))
	require.Equal(t, StatusLive, r.Status())

	e := mutateCard(t, s, "c1", "A")

	require.Eventually(t, func() bool {
		return r.Stats().LastPushedSeq == e.Seq
	}, waitFor, tick)

	rows, err := mem.Select(ctx, "fe_cards", testPartition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "c1", row.ID())
	assert.Equal(t, testDevice, row.UpdatedDevice())
	assert.Equal(t, "A", row["title"])
	assert.Equal(t, "l1", row["lane_id"])
	assert.NotContains(t, row, "laneId")

	_, err = s.Mutate(ctx, ir.Delete("card", "c1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rows, err := mem.Select(ctx, "fe_cards", testPartition)
		return err == nil && len(rows) == 0
	}, waitFor, tick)
}

func TestReconciler_SuppressesEchoAndIngestsOtherDevices(t *testing.T) {
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	r := startReconciler(t, s, mem)

	e := mutateCard(t, s, "c1", "A")
	require.Eventually(t, func() bool {
		return r.Stats().LastPushedSeq == e.Seq && r.Stats().Suppressed >= 1
	}, waitFor, tick)
	assert.Equal(t, e.Seq, s.Journal().LastSeq(), "echo of own push was ingested")

	seedRow(t, mem, "fe_cards", testPartition, "c2", remote.Row{"title": "From B"})
	require.Eventually(t, func() bool {
		_, ok := s.Get("card", "c2")
		return ok
	}, waitFor, tick)

	entries := journalEntries(t, s)
	last := entries[len(entries)-1]
	assert.Equal(t, "c2", last.Action.ID)
	assert.True(t, last.Action.IsRemote())

	// The drain skips the remote entry; it is never pushed back.
	require.Eventually(t, func() bool {
		return r.Stats().LastPushedSeq == last.Seq
	}, waitFor, tick)
	assert.Equal(t, []string{"c1"}, pushedIDs(mem, "fe_cards"))
}

func TestReconciler_IngestsRemoteDelete(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory(discard)
	seedRow(t, mem, "fe_cards", testPartition, "c1", remote.Row{"title": "A"})

	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	startReconciler(t, s, mem)
	_, ok := s.Get("card", "c1")
	require.True(t, ok)

	key := remote.Row{remote.ColID: "c1", remote.ColPartition: testPartition, remote.ColUpdatedDevice: otherDevice}
	require.NoError(t, mem.Delete(ctx, "fe_cards", key))

	require.Eventually(t, func() bool {
		_, ok := s.Get("card", "c1")
		return !ok
	}, waitFor, tick)
}

func TestReconciler_OfflineDrainStopsAtFailureAndResumesInOrder(t *testing.T) {
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	monitor := NewMonitor(false)

	r := startReconciler(t, s, mem, WithConnectivity(monitor))
	require.Equal(t, StatusOffline, r.Status())

	var seqs []int64
	for i := range 6 {
		seqs = append(seqs, mutateCard(t, s, fmt.Sprintf("c%d", i), "offline").Seq)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mem.Pushes(), "pushed while offline")
	assert.Equal(t, StatusOffline, r.Status())

	boom := errors.New("boom")
	mem.SetPushFault(func(_ ir.Op, _ string, row remote.Row) error {
		if row.ID() == "c3" {
			return boom
		}
		return nil
	})
	monitor.Set(true)

	require.Eventually(t, func() bool {
		return r.Status() == StatusDegraded
	}, waitFor, tick)
	assert.Equal(t, []string{"c0", "c1", "c2"}, pushedIDs(mem, "fe_cards"))
	assert.Equal(t, seqs[2], r.Stats().LastPushedSeq)

	// Retries keep failing at c3 without skipping ahead.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"c0", "c1", "c2"}, pushedIDs(mem, "fe_cards"))

	mem.SetPushFault(nil)
	require.Eventually(t, func() bool {
		return r.Status() == StatusLive && r.Stats().LastPushedSeq == seqs[5]
	}, waitFor, tick)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4", "c5"}, pushedIDs(mem, "fe_cards"))
}

func TestReconciler_RemoteUnavailableAtStart(t *testing.T) {
	mem := remote.NewMemory(discard)
	seedRow(t, mem, "fe_lanes", testPartition, "l1", remote.Row{"name": "Todo"})
	mem.SetUnavailable(true)

	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	r := startReconciler(t, s, mem)

	assert.Equal(t, StatusOffline, r.Status())
	_, ok := s.Get("lane", "l1")
	assert.False(t, ok)

	mem.SetUnavailable(false)
	require.Eventually(t, func() bool {
		return r.Status() == StatusLive
	}, waitFor, tick)
	_, ok = s.Get("lane", "l1")
	assert.True(t, ok)
}

func TestReconciler_SubscribeFailureDegradesButPushes(t *testing.T) {
	mem := remote.NewMemory(discard)
	mem.SetSubscribeError(errors.New("realtime down"))

	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	r := startReconciler(t, s, mem)
	assert.Equal(t, StatusDegraded, r.Status())

	e := mutateCard(t, s, "c1", "A")
	require.Eventually(t, func() bool {
		return r.Stats().LastPushedSeq == e.Seq
	}, waitFor, tick)

	mem.SetSubscribeError(nil)
	require.Eventually(t, func() bool {
		return r.Status() == StatusLive && mem.Subscribers() == 1
	}, waitFor, tick)
}

func TestReconciler_ResubscribesAfterDrop(t *testing.T) {
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	startReconciler(t, s, mem)
	require.Equal(t, 1, mem.Subscribers())

	mem.DropSubscriptions(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return mem.Subscribers() == 1
	}, waitFor, tick)

	seedRow(t, mem, "fe_cards", testPartition, "c7", remote.Row{"title": "after drop"})
	require.Eventually(t, func() bool {
		_, ok := s.Get("card", "c7")
		return ok
	}, waitFor, tick)
}

func TestReconciler_StopUnsubscribesAndDetachesHook(t *testing.T) {
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	r := startReconciler(t, s, mem, WithInterval(time.Hour))
	require.Equal(t, 1, mem.Subscribers())

	r.Stop()
	r.Stop()
	assert.Equal(t, 0, mem.Subscribers())
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	mutateCard(t, s, "c1", "after stop")
	assert.Never(t, func() bool {
		return len(pushedIDs(mem, "fe_cards")) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestReconciler_CompactionRetainsUnpushedEntries(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv, store.WithSnapshotEvery(2))
	monitor := NewMonitor(false)
	r := startReconciler(t, s, mem, WithConnectivity(monitor))

	var last int64
	for i := range 5 {
		last = mutateCard(t, s, fmt.Sprintf("c%d", i), "x").Seq
	}

	st, err := s.Journal().Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.SnapshotUptoSeq, int64(3), "cadence snapshots ran")
	assert.Equal(t, int64(5), st.EntryCount, "unpushed entries were compacted")

	monitor.Set(true)
	require.Eventually(t, func() bool {
		return r.Stats().LastPushedSeq == last
	}, waitFor, tick)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4"}, pushedIDs(mem, "fe_cards"))

	res, err := s.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Compacted)
}

func TestReconciler_ReplaysPushesAfterCursorLoss(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	r1 := startReconciler(t, s, mem)
	e := mutateCard(t, s, "c1", "A")
	require.Eventually(t, func() bool {
		return r1.Stats().LastPushedSeq == e.Seq
	}, waitFor, tick)
	r1.Stop()

	// Simulate a crash after the push but before the cursor write.
	require.NoError(t, kv.Update(ctx, func(tx logstore.Tx) error {
		return tx.Delete(logstore.BucketMeta, keyLastPushed)
	}))

	r2 := startReconciler(t, s, mem)
	assert.Equal(t, e.Seq, r2.Stats().LastPushedSeq)
	assert.Equal(t, []string{"c1", "c1"}, pushedIDs(mem, "fe_cards"))

	rows, err := mem.Select(ctx, "fe_cards", testPartition)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "repeated upsert duplicated the row")
	assert.Equal(t, e.Seq, s.Journal().LastSeq(), "own rows were re-ingested on pull")
}

func TestReconciler_PullKeepsUnpushedLocalEdit(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory(discard)
	seedRow(t, mem, "fe_cards", testPartition, "c1", remote.Row{"title": "remote"})

	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	mutateCard(t, s, "c1", "local")

	startReconciler(t, s, mem)

	card, ok := s.Get("card", "c1")
	require.True(t, ok)
	assert.Equal(t, "local", card["title"])

	rows, err := mem.Select(ctx, "fe_cards", testPartition)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "local", rows[0]["title"])
	assert.Equal(t, testDevice, rows[0].UpdatedDevice())
}

func TestReconciler_PullSkipsUnchangedRows(t *testing.T) {
	mem := remote.NewMemory(discard)
	seedRow(t, mem, "fe_lanes", testPartition, "l1", remote.Row{"name": "Todo", "updated_at": 10})

	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	r1 := startReconciler(t, s, mem)
	require.Equal(t, int64(0), s.Journal().LastSeq())
	r1.Stop()

	startReconciler(t, s, mem)
	assert.Equal(t, int64(0), s.Journal().LastSeq(), "unchanged row re-ingested")
}

func TestReconciler_PullRestoresOwnRowsIntoFreshDatabase(t *testing.T) {
	mem := remote.NewMemory(discard)

	kv1, _ := testutil.OpenTestKV(t)
	s1 := newTestStore(t, kv1)
	r1 := startReconciler(t, s1, mem)
	e := mutateCard(t, s1, "c1", "A")
	require.Eventually(t, func() bool {
		return r1.Stats().LastPushedSeq == e.Seq
	}, waitFor, tick)
	r1.Stop()

	// Same pinned device id, empty local database.
	kv2, _ := testutil.OpenTestKV(t)
	s2 := newTestStore(t, kv2)
	r2 := startReconciler(t, s2, mem)
	assert.Equal(t, StatusLive, r2.Status())

	card, ok := s2.Get("card", "c1")
	require.True(t, ok, "own row not restored by pull")
	assert.Equal(t, "A", card["title"])
	assert.Equal(t, "l1", card["laneId"])
	assert.Equal(t, []string{"c1"}, pushedIDs(mem, "fe_cards"), "restored row was pushed back")
}

func TestReconciler_StatusTransitions(t *testing.T) {
	mem := remote.NewMemory(discard)
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)
	monitor := NewMonitor(true)

	var rec statusRecorder
	r := New(s,
		WithRemote(mem),
		WithConnectivity(monitor),
		WithDeviceID(testDevice),
		WithPartition(testPartition),
		WithInterval(20*time.Millisecond),
		WithLogger(discard),
	)
	r.OnStatus(rec.record)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	monitor.Set(false)
	require.Eventually(t, func() bool { return r.Status() == StatusOffline }, waitFor, tick)
	monitor.Set(true)
	require.Eventually(t, func() bool { return r.Status() == StatusLive }, waitFor, tick)

	assert.Equal(t, []Status{StatusSyncing, StatusLive, StatusOffline, StatusLive}, rec.snapshot())
}

func TestReconciler_StartFailsOnInvalidMapping(t *testing.T) {
	kv, _ := testutil.OpenTestKV(t)
	s := newTestStore(t, kv)

	r := New(s, WithMapping(Mapping{}), WithLogger(discard))
	require.Error(t, r.Start(context.Background()))
	r.Stop()
}
