package store

import (
	"slices"
	"strings"

	"github.com/roach88/fecore/internal/ir"
)

// Get returns a copy of the record, or false if absent.
func (s *Store) Get(typ, id string) (ir.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state[typ][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of every record of typ, ordered by id.
func (s *Store) List(typ string) []ir.Record {
	s.mu.RLock()
	bucket := s.state[typ]
	out := make([]ir.Record, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b ir.Record) int {
		return strings.Compare(recordID(a), recordID(b))
	})
	return out
}

// Types returns every type holding at least one record, sorted.
func (s *Store) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.state))
	for typ, bucket := range s.state {
		if len(bucket) > 0 {
			types = append(types, typ)
		}
	}
	slices.Sort(types)
	return types
}

// LastAppliedSeq returns the seq of the last applied entry, or -1.
func (s *Store) LastAppliedSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// Subscribe registers fn to run after every applied action of typ.
// fn carries no payload; callers re-read with Get or List.
// The returned function removes the subscription and is idempotent.
func (s *Store) Subscribe(typ string, fn func()) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	if s.subs[typ] == nil {
		s.subs[typ] = make(map[int]func())
	}
	s.subs[typ][id] = fn

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs[typ], id)
	}
}

// notify runs every subscriber of typ. A panicking subscriber is logged
// and does not stop the others.
func (s *Store) notify(typ string) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs[typ]))
	for id := range s.subs[typ] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[typ][id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		s.callSubscriber(typ, fn)
	}
}

func (s *Store) callSubscriber(typ string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", "type", typ, "panic", r)
		}
	}()
	fn()
}

func recordID(r ir.Record) string {
	id, _ := r[ir.FieldID].(string)
	return id
}
