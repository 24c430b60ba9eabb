package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/remote"
)

// evaluate checks every assertion once and returns the failures.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := h.check(ctx, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		rec, ok := h.devices[a.Device].store.Get(a.RecordType, a.ID)
		if !ok {
			return fmt.Errorf("device %s has no %s/%s", a.Device, a.RecordType, a.ID)
		}
		return matchSubset(rec, a.Expect)

	case AssertAbsent:
		if _, ok := h.devices[a.Device].store.Get(a.RecordType, a.ID); ok {
			return fmt.Errorf("device %s still has %s/%s", a.Device, a.RecordType, a.ID)
		}

	case AssertRemoteRow, AssertRemoteAbsent:
		row, ok, err := h.remoteRow(ctx, a.Table, a.ID)
		if err != nil {
			return err
		}
		if a.Type == AssertRemoteAbsent {
			if ok {
				return fmt.Errorf("replica still has %s/%s", a.Table, a.ID)
			}
			return nil
		}
		if !ok {
			return fmt.Errorf("replica has no %s/%s", a.Table, a.ID)
		}
		return matchSubset(map[string]any(row), a.Expect)

	case AssertPushOrder:
		got := pushedIDs(h.replica.Pushes(), a.Table, a.Device)
		if !slices.Equal(got, a.IDs) {
			return fmt.Errorf("pushes to %s = %v, want %v", a.Table, got, a.IDs)
		}

	case AssertConverged:
		return h.converged()

	case AssertStatus:
		if got := h.devices[a.Device].rec.Status(); got != livesync.Status(a.Status) {
			return fmt.Errorf("device %s status = %s, want %s", a.Device, got, a.Status)
		}

	case AssertPushedThrough:
		if got := h.devices[a.Device].rec.Stats().LastPushedSeq; got != *a.Seq {
			return fmt.Errorf("device %s pushed through %d, want %d", a.Device, got, *a.Seq)
		}

	case AssertJournalEntries:
		st, err := h.devices[a.Device].store.Journal().Stats(ctx)
		if err != nil {
			return err
		}
		if st.EntryCount != *a.Count {
			return fmt.Errorf("device %s journal has %d entries, want %d", a.Device, st.EntryCount, *a.Count)
		}
	}
	return nil
}

func (h *Harness) remoteRow(ctx context.Context, table, id string) (remote.Row, bool, error) {
	rows, err := h.replica.Select(ctx, table, h.scenario.Partition)
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", table, err)
	}
	for _, row := range rows {
		if row.ID() == id {
			return row, true, nil
		}
	}
	return nil, false, nil
}

// converged reports the first device whose state differs from the first
// device's.
func (h *Harness) converged() error {
	ids := h.deviceIDs()
	want, err := ir.StateChecksum(stateOf(h.devices[ids[0]].store))
	if err != nil {
		return err
	}
	for _, id := range ids[1:] {
		got, err := ir.StateChecksum(stateOf(h.devices[id].store))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("device %s state %s differs from %s state %s", id, got[:12], ids[0], want[:12])
		}
	}
	return nil
}

// pushedIDs returns the ids pushed to table in order, limited to pushes
// written by device when it is set. Deletes are prefixed with "-".
func pushedIDs(pushes []remote.Push, table, device string) []string {
	ids := []string{}
	for _, p := range pushes {
		if p.Table != table {
			continue
		}
		if device != "" && p.Row.UpdatedDevice() != device {
			continue
		}
		id := p.Row.ID()
		if p.Op == ir.OpDelete {
			id = "-" + id
		}
		ids = append(ids, id)
	}
	return ids
}

// matchSubset checks that every expected field equals the actual one.
// Values compare by canonical JSON, so 1 matches json.Number("1").
func matchSubset(actual, expected map[string]any) error {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return fmt.Errorf("field %q missing", k)
		}
		gb, err := ir.MarshalCanonical(got)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		wb, err := ir.MarshalCanonical(expected[k])
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		if !bytes.Equal(gb, wb) {
			return fmt.Errorf("field %q = %s, want %s", k, gb, wb)
		}
	}
	return nil
}
