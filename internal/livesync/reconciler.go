package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/remote"
	"github.com/roach88/fecore/internal/store"
)

// DefaultInterval is the background reconciliation period.
const DefaultInterval = 2500 * time.Millisecond

var errStarted = errors.New("livesync: reconciler already started")

// Reconciler keeps a store and a remote replica eventually consistent.
//
// Local mutations are pushed immediately by waking the loop's ordered
// drain; no push happens outside the loop.
//
// Thread-safety model:
//   - Start and Stop: call once each, from any goroutine
//   - Status, Identity, Stats: safe from any goroutine
//   - pull, inbound ingestion and the push drain run only on the loop
//     goroutine (or synchronously inside Start, before the loop exists)
//
// INVARIANTS:
//   - the cursor only advances past a local entry after the remote
//     acknowledged its push, and never past an unacknowledged lower seq
//   - remote-origin entries are never pushed
//   - realtime changes stamped with this device's id are never ingested
type Reconciler struct {
	store    *store.Store
	remote   remote.Remote
	mapping  Mapping
	conn     Connectivity
	ids      IDGenerator
	interval time.Duration
	logger   *slog.Logger

	device    string // configured override
	partition string // configured override

	identity Identity
	cursor   *Cursor

	statusMu sync.Mutex
	status   Status
	onStatus func(Status)

	kick    chan struct{}
	inbound *remote.ChangeQueue

	// Loop-owned.
	partitionReady bool
	pulled         bool
	sub            *remote.Subscription

	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	pushed     atomic.Int64
	ingested   atomic.Int64
	suppressed atomic.Int64
	failures   atomic.Int64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRemote sets the remote replica. Without one the reconciler reports
// Local and does nothing.
func WithRemote(r remote.Remote) Option {
	return func(rc *Reconciler) {
		rc.remote = r
	}
}

// WithMapping sets the type/table mapping. Default: DefaultMapping().
func WithMapping(m Mapping) Option {
	return func(rc *Reconciler) {
		rc.mapping = m
	}
}

// WithConnectivity sets the connectivity source. Default: AlwaysOnline.
func WithConnectivity(c Connectivity) Option {
	return func(rc *Reconciler) {
		rc.conn = c
	}
}

// WithInterval sets the background loop period. Default: 2.5s.
// Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(rc *Reconciler) {
		if d > 0 {
			rc.interval = d
		}
	}
}

// WithIDGenerator sets how missing device and partition ids are generated.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(rc *Reconciler) {
		rc.ids = g
	}
}

// WithDeviceID pins the device id instead of the persisted one.
func WithDeviceID(id string) Option {
	return func(rc *Reconciler) {
		rc.device = id
	}
}

// WithPartition pins the partition. A configured partition always wins
// over the persisted one.
func WithPartition(id string) Option {
	return func(rc *Reconciler) {
		rc.partition = id
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rc *Reconciler) {
		rc.logger = l
	}
}

// New creates a Reconciler for an initialized store.
func New(s *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    s,
		mapping:  DefaultMapping(),
		conn:     AlwaysOnline{},
		ids:      UUIDv7Generator{},
		interval: DefaultInterval,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
		inbound:  remote.NewChangeQueue(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStatus registers fn to be called on every status transition.
// Must be called before Start.
func (r *Reconciler) OnStatus(fn func(Status)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.onStatus = fn
}

// Status returns the current status. Empty before Start.
func (r *Reconciler) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

// Identity returns the device and partition ids. Valid after Start.
func (r *Reconciler) Identity() Identity {
	return r.identity
}

// Start loads the identity and cursor, runs the first reconciliation
// synchronously and starts the background loop.
//
// The first reconciliation upserts the partition row, subscribes to
// realtime changes, pulls the partition's rows (types in mapping order)
// and drains the local journal tail. Remote failures never fail Start;
// they are reported through the status and retried by the loop. Start
// returns an error only if the local identity or cursor cannot be read.
//
// The loop runs until Stop or until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errStarted
	}
	if err := r.load(ctx); err != nil {
		close(r.done)
		return err
	}

	if r.remote == nil {
		r.logger.Info("no remote configured, running local only", "code", ir.CodeRemoteUnavailable)
		r.setStatus(StatusLocal)
		close(r.done)
		return nil
	}
	id := r.identity

	r.logger.Info("sync starting",
		"device_id", id.DeviceID,
		"partition_id", id.PartitionID,
		"last_pushed_seq", r.cursor.Value(),
	)

	r.store.SetCompactionFloor(r.cursor.Value)
	r.store.SetMutationHook(r.onMutation)

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.reconcile(loopCtx, true)
	go r.run(loopCtx)
	return nil
}

// load reads the identity and cursor from the store's meta bucket.
func (r *Reconciler) load(ctx context.Context) error {
	if err := r.mapping.Validate(); err != nil {
		return err
	}

	kv := r.store.KV()
	id, err := LoadIdentity(ctx, kv, r.ids, r.device, r.partition)
	if err != nil {
		return err
	}
	cursor, err := LoadCursor(ctx, kv)
	if err != nil {
		return ir.Wrap(ir.CodeStorageUnavailable, "start sync", err)
	}
	r.identity, r.cursor = id, cursor
	return nil
}

// Stop unsubscribes from realtime changes and halts the background loop.
// A push already in flight is allowed to finish; Stop waits for it.
// The compaction floor stays installed so unpushed entries survive.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		if !r.started.Load() {
			return
		}
		r.store.SetMutationHook(nil)
		if r.cancel != nil {
			r.cancel()
		}
		<-r.done

		if r.sub != nil {
			if err := r.remote.Unsubscribe(r.sub); err != nil {
				r.logger.Warn("unsubscribe failed", "err", err)
			}
			r.sub = nil
		}
		r.inbound.Close()
		if r.cursor != nil {
			r.logger.Info("sync stopped", "last_pushed_seq", r.cursor.Value())
		}
	})
}

// Done is closed once the background loop has exited.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// onMutation is the store's mutation hook. It only wakes the loop: pushes
// happen in the ordered drain so the cursor never skips an earlier seq.
func (r *Reconciler) onMutation(m store.Mutation) {
	if m.Action.IsRemote() {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// run is the background loop. It is the only goroutine that touches the
// loop-owned fields after Start returns.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var changed <-chan struct{}
	if n, ok := r.conn.(Notifier); ok {
		changed = n.Changed()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx, true)
		case <-changed:
			r.reconcile(ctx, true)
		case <-r.kick:
			r.reconcile(ctx, r.Status() != StatusLive)
		case <-r.inbound.Wait():
			r.ingestInbound(ctx)
		}
	}
}

// reconcile runs one pass: probe, connect, ingest and drain. probe forces a
// reachability check before any other remote call.
func (r *Reconciler) reconcile(ctx context.Context, probe bool) {
	if ctx.Err() != nil {
		return
	}
	if !r.conn.Online() {
		r.setStatus(StatusOffline)
		return
	}
	if probe {
		if err := r.remote.Ping(ctx); err != nil {
			r.logger.Warn("remote unreachable", "code", ir.CodeRemoteUnavailable, "err", err)
			r.setStatus(StatusOffline)
			return
		}
	}

	healthy := r.connect(ctx)
	r.ingestInbound(ctx)
	if !r.drain(ctx) {
		healthy = false
	}

	if ctx.Err() != nil {
		return
	}
	if healthy {
		r.setStatus(StatusLive)
	} else {
		r.setStatus(StatusDegraded)
	}
}

// connect ensures the partition row, the realtime subscription and the
// initial pull. Each step is retried on later passes until it succeeds.
//
// The subscription is opened before the pull so changes racing the pull
// are queued, then ingested after it. A re-established subscription
// re-pulls to pick up rows changed while it was down.
func (r *Reconciler) connect(ctx context.Context) bool {
	ok := true

	if !r.partitionReady {
		row := remote.Row{
			remote.ColID:            r.identity.PartitionID,
			remote.ColPartition:     r.identity.PartitionID,
			remote.ColUpdatedDevice: r.identity.DeviceID,
		}
		if err := r.remote.Upsert(ctx, r.mapping.PartitionTable, row); err != nil {
			r.logger.Warn("partition upsert failed",
				"code", ir.CodePushFailure,
				"partition_id", r.identity.PartitionID,
				"err", err,
			)
			r.failures.Add(1)
			return false
		}
		r.partitionReady = true
	}

	if r.sub == nil || !r.sub.Active() {
		if r.sub != nil {
			r.logger.Warn("realtime subscription dropped", "sub_id", r.sub.ID, "err", r.sub.Err())
			r.sub = nil
		}
		filter := remote.Filter{Tables: r.mapping.Tables(), Partition: r.identity.PartitionID}
		sub, err := r.remote.Subscribe(ctx, filter, r.receive)
		if err != nil {
			r.logger.Warn("realtime subscribe failed", "code", ir.CodeSubscriptionFailure, "err", err)
			r.failures.Add(1)
			ok = false
		} else {
			r.sub = sub
			r.pulled = false
		}
	}

	if !r.pulled {
		r.setStatus(StatusSyncing)
		if err := r.pull(ctx); err != nil {
			r.logger.Warn("initial pull failed", "code", ir.CodeRemoteUnavailable, "err", err)
			r.failures.Add(1)
			return false
		}
		r.pulled = true
	}
	return ok
}

// pull ingests every row of the partition, types in mapping order.
//
// Rows equal to the local record and rows with an unpushed local change
// are skipped. Rows last written by this device are ingested like any
// other, so a fresh database with a pinned device id gets its rows back.
func (r *Reconciler) pull(ctx context.Context) error {
	pending := r.pendingLocal(ctx)

	n := 0
	for _, tm := range r.mapping.Types {
		rows, err := r.remote.Select(ctx, tm.Table, r.identity.PartitionID)
		if err != nil {
			return fmt.Errorf("select %s: %w", tm.Table, err)
		}
		for _, row := range rows {
			if row.ID() == "" {
				continue
			}
			if _, skip := pending[recordKey{tm.Type, row.ID()}]; skip {
				continue
			}
			action := ir.Put(tm.Type, row.ID(), tm.FromRow(row))
			if r.unchanged(action) {
				continue
			}
			if _, err := r.store.IngestRemote(ctx, action); err != nil {
				return fmt.Errorf("ingest %s/%s: %w", tm.Type, row.ID(), err)
			}
			r.ingested.Add(1)
			n++
		}
	}

	r.logger.Info("pull complete", "partition_id", r.identity.PartitionID, "ingested", n)
	return nil
}

// receive is the realtime handler. It runs on the remote's delivery goroutine
// and only filters echoes and queues the change for the loop.
func (r *Reconciler) receive(c remote.Change) {
	row := c.Row()
	if row == nil {
		return
	}
	if row.UpdatedDevice() == r.identity.DeviceID {
		r.suppressed.Add(1)
		r.logger.Debug("suppressed echo", "table", c.Table, "id", row.ID(), "event", c.EventType)
		return
	}
	r.inbound.Enqueue(c)
}

// ingestInbound applies queued realtime changes in arrival order. Nothing
// is ingested before the initial pull completes.
func (r *Reconciler) ingestInbound(ctx context.Context) {
	if !r.pulled || r.inbound.Len() == 0 {
		return
	}

	pending := r.pendingLocal(ctx)
	for {
		c, ok := r.inbound.TryDequeue()
		if !ok {
			return
		}
		action, ok := r.mapping.FromChange(c)
		if !ok {
			r.logger.Debug("ignoring change", "table", c.Table, "event", c.EventType)
			continue
		}
		if _, skip := pending[recordKey{action.Type, action.ID}]; skip {
			r.logger.Debug("change superseded by unpushed local entry", "type", action.Type, "id", action.ID)
			continue
		}
		if _, err := r.store.IngestRemote(ctx, action); err != nil {
			r.logger.Error("ingest remote change failed",
				"type", action.Type,
				"id", action.ID,
				"op", action.Op,
				"err", err,
			)
			continue
		}
		r.ingested.Add(1)
	}
}

// drain pushes every local entry above the cursor in seq order and stops
// at the first failure. Returns false if the drain did not reach the end.
//
// Pushes and cursor writes run detached from ctx cancellation so a push
// in flight at Stop completes and is recorded.
func (r *Reconciler) drain(ctx context.Context) bool {
	pushCtx := context.WithoutCancel(ctx)
	done := r.cursor.Value()

	for entry, err := range r.store.Journal().ScanFrom(ctx, done+1) {
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("scan journal tail failed", "from", done+1, "err", err)
			}
			r.advance(pushCtx, done)
			return false
		}
		if ctx.Err() != nil {
			break
		}

		a := entry.Action
		tm, mapped := r.mapping.ForType(a.Type)
		if a.IsRemote() || !mapped {
			done = entry.Seq
			continue
		}

		if err := r.push(pushCtx, tm, a); err != nil {
			r.logger.Warn("push failed",
				"code", ir.CodePushFailure,
				"seq", entry.Seq,
				"type", a.Type,
				"id", a.ID,
				"err", err,
			)
			r.failures.Add(1)
			r.advance(pushCtx, done)
			return false
		}
		r.pushed.Add(1)
		done = entry.Seq
		if !r.advance(pushCtx, done) {
			return false
		}
	}

	return r.advance(pushCtx, done) && ctx.Err() == nil
}

// push sends one action. Upserts and deletes are idempotent, so a push
// repeated after a crash before the cursor write is harmless.
func (r *Reconciler) push(ctx context.Context, tm TypeMapping, a ir.Action) error {
	row := tm.ToRow(a, r.identity.PartitionID, r.identity.DeviceID)
	if a.Op == ir.OpDelete {
		return r.remote.Delete(ctx, tm.Table, row)
	}
	return r.remote.Upsert(ctx, tm.Table, row)
}

func (r *Reconciler) advance(ctx context.Context, seq int64) bool {
	if _, err := r.cursor.Advance(ctx, seq); err != nil {
		r.logger.Error("persist sync cursor failed", "seq", seq, "err", err)
		return false
	}
	return true
}

type recordKey struct {
	typ string
	id  string
}

// pendingLocal returns the records with local entries above the cursor.
func (r *Reconciler) pendingLocal(ctx context.Context) map[recordKey]struct{} {
	from := r.cursor.Value() + 1
	if from > r.store.Journal().LastSeq() {
		return nil
	}

	pending := make(map[recordKey]struct{})
	for entry, err := range r.store.Journal().ScanFrom(ctx, from) {
		if err != nil {
			r.logger.Warn("scan pending entries failed", "from", from, "err", err)
			return pending
		}
		if !entry.Action.IsRemote() {
			pending[recordKey{entry.Action.Type, entry.Action.ID}] = struct{}{}
		}
	}
	return pending
}

// unchanged reports whether a put would leave the local record as is.
func (r *Reconciler) unchanged(a ir.Action) bool {
	current, ok := r.store.Get(a.Type, a.ID)
	if !ok {
		return false
	}
	want := a.Data.Clone()
	want[ir.FieldID] = a.ID
	want, err := ir.Normalize(want)
	if err != nil {
		return false
	}
	cb, err1 := ir.MarshalCanonical(current)
	wb, err2 := ir.MarshalCanonical(want)
	return err1 == nil && err2 == nil && string(cb) == string(wb)
}

func (r *Reconciler) setStatus(s Status) {
	r.statusMu.Lock()
	prev := r.status
	if prev == s {
		r.statusMu.Unlock()
		return
	}
	r.status = s
	fn := r.onStatus
	r.statusMu.Unlock()

	r.logger.Info("sync status changed", "from", prev, "to", s)
	if fn != nil {
		fn(s)
	}
}

// Stats summarizes reconciler progress.
type Stats struct {
	Status        Status `json:"status"`
	DeviceID      string `json:"deviceId"`
	PartitionID   string `json:"partitionId"`
	LastPushedSeq int64  `json:"lastPushedSeq"`
	Pushed        int64  `json:"pushed"`
	Ingested      int64  `json:"ingested"`
	Suppressed    int64  `json:"suppressed"`
	Failures      int64  `json:"failures"`
}

// Stats returns current counters. Valid after Start.
func (r *Reconciler) Stats() Stats {
	st := Stats{
		Status:        r.Status(),
		DeviceID:      r.identity.DeviceID,
		PartitionID:   r.identity.PartitionID,
		LastPushedSeq: -1,
		Pushed:        r.pushed.Load(),
		Ingested:      r.ingested.Load(),
		Suppressed:    r.suppressed.Load(),
		Failures:      r.failures.Load(),
	}
	if r.cursor != nil {
		st.LastPushedSeq = r.cursor.Value()
	}
	return st
}
