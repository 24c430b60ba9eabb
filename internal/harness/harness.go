package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/logstore"
	"github.com/roach88/fecore/internal/remote"
	"github.com/roach88/fecore/internal/schema"
	"github.com/roach88/fecore/internal/store"
	"github.com/roach88/fecore/internal/testutil"
)

// reconcileInterval is the device loop period. Short so retries after a
// fault is cleared happen quickly.
const reconcileInterval = 10 * time.Millisecond

// pollInterval is how often awaited assertions are re-evaluated.
const pollInterval = 5 * time.Millisecond

// errInjectedPush rejects pushes selected by fail_pushes.
var errInjectedPush = errors.New("harness: injected push failure")

// Harness runs one scenario.
type Harness struct {
	scenario *Scenario
	dir      string
	logger   *slog.Logger
	mapping  livesync.Mapping
	registry *schema.Registry

	replica *remote.Memory
	server  *httptest.Server

	devices map[string]*device

	faultMu sync.Mutex
	failing map[string]bool
}

// device is one simulated client: a database file, its store and reconciler.
type device struct {
	id      string
	path    string
	clock   *testutil.DeterministicClock
	monitor *livesync.Monitor

	kv    *logstore.SQLite
	store *store.Store
	rec   *livesync.Reconciler
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger shared by every device and the relay.
// Default: logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario with every device database under dir and returns
// the result.
//
// Execution flow:
//  1. Start the replica (and relay server for the http transport)
//  2. Open and start every device, in order
//  3. Execute steps; await steps block until their assertions hold
//  4. Evaluate final assertions, waiting up to the timeout
//  5. Stop every device and capture states, stats and pushes
//
// A step that cannot be executed, or an await that times out, returns an
// error. Failed final assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario, dir string, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		dir:      dir,
		logger:   slog.New(slog.DiscardHandler),
		mapping:  livesync.DefaultMapping(),
		devices:  make(map[string]*device),
		failing:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	if scenario.Schema != "" {
		reg, err := schema.LoadFile(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
		h.registry = reg
	}

	h.replica = remote.NewMemory(h.logger)
	h.replica.SetPushFault(h.pushFault)
	if scenario.Transport == TransportHTTP {
		h.server = httptest.NewServer(remote.NewServer(h.replica, h.logger).Handler())
	}

	for _, id := range scenario.Devices {
		d := &device{
			id:      id,
			path:    filepath.Join(dir, id+".db"),
			clock:   testutil.NewDeterministicClock(),
			monitor: livesync.NewMonitor(true),
		}
		h.devices[id] = d
		if err := h.open(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to start device %s: %w", id, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	result := NewResult()
	for _, msg := range h.await(ctx, scenario.Assertions) {
		result.AddError(msg)
	}

	for _, id := range scenario.Devices {
		d := h.devices[id]
		d.rec.Stop()
		result.States[id] = stateOf(d.store)
		result.Stats[id] = d.rec.Stats()
	}
	result.Pushes = h.replica.Pushes()
	return result, nil
}

// open opens the device database, initializes its store and starts its
// reconciler.
func (h *Harness) open(ctx context.Context, d *device) error {
	kv, err := logstore.OpenSQLite(d.path)
	if err != nil {
		return err
	}

	storeOpts := []store.Option{
		store.WithClock(d.clock.Now),
		store.WithLogger(h.logger.With("device", d.id)),
	}
	if h.scenario.SnapshotEvery > 0 {
		storeOpts = append(storeOpts, store.WithSnapshotEvery(h.scenario.SnapshotEvery))
	}
	if h.registry != nil {
		storeOpts = append(storeOpts, store.WithSchema(h.registry))
	}
	s := store.New(kv, storeOpts...)
	if err := s.Init(ctx); err != nil {
		kv.Close()
		return err
	}

	rem, err := h.remoteFor(d)
	if err != nil {
		kv.Close()
		return err
	}
	rec := livesync.New(s,
		livesync.WithRemote(rem),
		livesync.WithMapping(h.mapping),
		livesync.WithConnectivity(d.monitor),
		livesync.WithInterval(reconcileInterval),
		livesync.WithDeviceID(d.id),
		livesync.WithPartition(h.scenario.Partition),
		livesync.WithLogger(h.logger.With("device", d.id)),
	)
	if err := rec.Start(ctx); err != nil {
		kv.Close()
		return err
	}

	d.kv, d.store, d.rec = kv, s, rec
	return nil
}

func (h *Harness) remoteFor(d *device) (remote.Remote, error) {
	if h.server == nil {
		return h.replica, nil
	}
	return remote.NewClient(h.server.URL, remote.WithClientLogger(h.logger.With("device", d.id)))
}

// shutdown stops the device reconciler and closes its database.
func (d *device) shutdown() {
	if d.rec != nil {
		d.rec.Stop()
	}
	if d.kv != nil {
		d.kv.Close()
	}
	d.kv, d.store, d.rec = nil, nil, nil
}

func (h *Harness) close() {
	for _, d := range h.devices {
		d.shutdown()
	}
	if h.replica != nil {
		h.replica.Close()
	}
	if h.server != nil {
		h.server.Close()
	}
}

// execute runs one step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	d := h.devices[step.Device]

	switch {
	case step.Put != nil:
		data := ir.Record(step.Put.Data)
		return expectCode(step.ExpectError, h.mutate(ctx, d, ir.Put(step.Put.Type, step.Put.ID, data)))

	case step.Delete != nil:
		return expectCode(step.ExpectError, h.mutate(ctx, d, ir.Delete(step.Delete.Type, step.Delete.ID)))

	case step.Offline:
		d.monitor.Set(false)

	case step.Online:
		d.monitor.Set(true)

	case step.Restart:
		d.shutdown()
		if err := h.open(ctx, d); err != nil {
			return fmt.Errorf("restart %s: %w", d.id, err)
		}

	case step.Snapshot:
		if _, err := d.store.SnapshotNow(ctx); err != nil {
			return fmt.Errorf("snapshot %s: %w", d.id, err)
		}

	case step.Remote != "":
		h.replica.SetUnavailable(step.Remote == "down")

	case len(step.FailPushes) > 0:
		h.faultMu.Lock()
		for _, id := range step.FailPushes {
			h.failing[id] = true
		}
		h.faultMu.Unlock()

	case step.ClearFaults:
		h.faultMu.Lock()
		clear(h.failing)
		h.faultMu.Unlock()

	case step.DropSubscriptions:
		h.replica.DropSubscriptions(errors.New("harness: subscriptions dropped"))

	case len(step.Await) > 0:
		if errs := h.await(ctx, step.Await); len(errs) > 0 {
			return fmt.Errorf("await timed out: %v", errs)
		}
	}
	return nil
}

func (h *Harness) mutate(ctx context.Context, d *device, a ir.Action) error {
	_, err := d.store.Mutate(ctx, a)
	return err
}

// expectCode checks a mutation error against the expected error code.
func expectCode(code string, err error) error {
	switch {
	case code == "" && err != nil:
		return err
	case code == "":
		return nil
	case err == nil:
		return fmt.Errorf("expected error %s, mutation succeeded", code)
	case string(ir.CodeOf(err)) != code:
		return fmt.Errorf("expected error %s, got %v", code, err)
	}
	return nil
}

func (h *Harness) pushFault(_ ir.Op, _ string, row remote.Row) error {
	h.faultMu.Lock()
	defer h.faultMu.Unlock()
	if h.failing[row.ID()] {
		return errInjectedPush
	}
	return nil
}

// await re-evaluates assertions until they all hold or the scenario timeout
// expires. Returns the failures of the last evaluation.
func (h *Harness) await(ctx context.Context, assertions []Assertion) []string {
	deadline := time.NewTimer(h.scenario.timeout())
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		errs := h.evaluate(ctx, assertions)
		if len(errs) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return append(errs, ctx.Err().Error())
		case <-deadline.C:
			return errs
		case <-ticker.C:
		}
	}
}

// stateOf copies the store's non-empty record types into a State.
func stateOf(s *store.Store) ir.State {
	state := ir.State{}
	for _, typ := range s.Types() {
		recs := s.List(typ)
		if len(recs) == 0 {
			continue
		}
		bucket := make(map[string]ir.Record, len(recs))
		for _, rec := range recs {
			id, _ := rec[ir.FieldID].(string)
			bucket[id] = rec
		}
		state[typ] = bucket
	}
	return state
}

// deviceIDs returns the scenario devices in declaration order.
func (h *Harness) deviceIDs() []string {
	return slices.Clone(h.scenario.Devices)
}
