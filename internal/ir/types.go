package ir

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
)

// FieldID and FieldUpdatedAt are the reserved record fields.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
)

// Record is one materialized row: {id, ...fields, updated_at}.
// Values are JSON-compatible; numbers held as json.Number after Normalize.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// UpdatedAt returns the updated_at stamp in Unix milliseconds.
// Returns false if the field is absent or not an integer.
func (r Record) UpdatedAt() (int64, bool) {
	return asInt64(r[FieldUpdatedAt])
}

// SortedKeys returns field names in lexical order.
func (r Record) SortedKeys() []string {
	return slices.Sorted(maps.Keys(r))
}

// Entry is one immutable journal entry.
type Entry struct {
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"ts"`
	Action    Action `json:"action"`
}

// State is the materialized view: type → id → record.
type State map[string]map[string]Record

// Count returns the number of records per type.
func (s State) Count() map[string]int {
	out := make(map[string]int, len(s))
	for typ, bucket := range s {
		out[typ] = len(bucket)
	}
	return out
}

// Snapshot is a point-in-time serialization of State plus the journal
// position it reflects. Replaying entries with seq > UptoSeq atop State
// reproduces current truth.
type Snapshot struct {
	Timestamp int64 `json:"ts"`
	UptoSeq   int64 `json:"uptoSeq"`
	State     State `json:"state"`
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
