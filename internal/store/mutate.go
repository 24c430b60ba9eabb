package store

import (
	"context"
	"errors"

	"github.com/roach88/fecore/internal/ir"
)

var errNotReady = errors.New("store not initialized")

// Mutate durably appends a local action, applies it in memory, notifies
// subscribers of its type and invokes the mutation hook.
//
// updated_at is stamped with the store clock if the data does not carry
// one, and meta.source defaults to local. If the append fails nothing is
// applied and the APPEND_FAILURE error is returned.
func (s *Store) Mutate(ctx context.Context, action ir.Action) (ir.Entry, error) {
	if action.Meta.Source == "" {
		action.Meta.Source = ir.SourceLocal
	}
	entry, err := s.commit(ctx, action)
	if err != nil {
		return ir.Entry{}, err
	}

	if entry.Action.Meta.Source == ir.SourceLocal {
		if hook := s.mutationHook(); hook != nil {
			s.runHook(hook, Mutation{Action: entry.Action, Seq: entry.Seq})
		}
	}
	s.maybeSnapshot(ctx)
	return entry, nil
}

// IngestRemote applies an action received from the remote replica.
//
// It behaves like Mutate except that meta.source is forced to remote and
// the mutation hook is never invoked, so the action is never pushed back.
func (s *Store) IngestRemote(ctx context.Context, action ir.Action) (ir.Entry, error) {
	action.Meta.Source = ir.SourceRemote
	entry, err := s.commit(ctx, action)
	if err != nil {
		return ir.Entry{}, err
	}
	s.maybeSnapshot(ctx)
	return entry, nil
}

// commit prepares, appends and applies one action, then fires subscribers.
func (s *Store) commit(ctx context.Context, action ir.Action) (ir.Entry, error) {
	if !s.ready.Load() {
		return ir.Entry{}, ir.Wrap(ir.CodeAppendFailure, "mutate", errNotReady)
	}

	action, err := s.prepare(action)
	if err != nil {
		return ir.Entry{}, err
	}

	s.mu.Lock()
	entry, err := s.journal.Append(ctx, action)
	if err != nil {
		s.mu.Unlock()
		return ir.Entry{}, err
	}
	apply(s.state, entry.Action)
	s.lastApplied = entry.Seq
	if !entry.Action.IsRemote() {
		s.sinceSnapshot++ // the action cadence counts local mutations only
	}
	s.mu.Unlock()

	s.notify(entry.Action.Type)
	return entry, nil
}

// prepare validates an action and normalizes it to the form replay produces.
func (s *Store) prepare(action ir.Action) (ir.Action, error) {
	if err := action.Validate(); err != nil {
		return action, err
	}

	if action.Op == ir.OpPut {
		data := action.Data.Clone()
		if _, ok := data[ir.FieldUpdatedAt]; !ok {
			data[ir.FieldUpdatedAt] = s.now().UnixMilli()
		}
		data, err := ir.Normalize(data)
		if err != nil {
			return action, ir.Wrap(ir.CodeInvalidAction, "mutate", err)
		}
		action.Data = data
	}

	if s.schema != nil {
		if err := s.validateSchema(action); err != nil {
			return action, err
		}
	}
	return action, nil
}

func (s *Store) validateSchema(action ir.Action) error {
	if !s.schema.Known(action.Type) {
		return ir.Errorf(ir.CodeInvalidAction, "mutate", "unknown record type %q", action.Type)
	}
	if action.Op != ir.OpPut {
		return nil
	}
	return s.schema.Validate(action.Type, materialize(action))
}

// applyReplayed applies a historical entry. Entries that no longer pass
// validation are logged and skipped. Returns false if skipped.
func (s *Store) applyReplayed(state ir.State, e ir.Entry) bool {
	err := e.Action.Validate()
	if err == nil && s.schema != nil {
		err = s.validateSchema(e.Action)
	}
	if err != nil {
		s.logger.Warn("skipping journal entry",
			"seq", e.Seq,
			"type", e.Action.Type,
			"id", e.Action.ID,
			"code", ir.CodeReplayCorruption,
			"err", err,
		)
		return false
	}
	apply(state, e.Action)
	return true
}

// apply mutates state in place. Records are replaced, never edited, so
// references handed out earlier stay immutable.
func apply(state ir.State, a ir.Action) {
	switch a.Op {
	case ir.OpPut:
		bucket, ok := state[a.Type]
		if !ok {
			bucket = make(map[string]ir.Record)
			state[a.Type] = bucket
		}
		bucket[a.ID] = materialize(a)
	case ir.OpDelete:
		if bucket, ok := state[a.Type]; ok {
			delete(bucket, a.ID)
		}
	}
}

// materialize builds the stored record for a put: the data plus its id.
func materialize(a ir.Action) ir.Record {
	rec := a.Data.Clone()
	if rec == nil {
		rec = ir.Record{}
	}
	rec[ir.FieldID] = a.ID
	return rec
}

func (s *Store) runHook(hook MutationHook, m Mutation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mutation hook panicked", "seq", m.Seq, "panic", r)
		}
	}()
	hook(m)
}
