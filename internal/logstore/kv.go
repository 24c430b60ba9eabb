package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Tx.Get when the key does not exist.
var ErrNotFound = errors.New("logstore: key not found")

// Bucket names a logical key space.
type Bucket string

const (
	BucketJournal  Bucket = "journal"
	BucketSnapshot Bucket = "snapshot"
	BucketMeta     Bucket = "meta"
)

// KV is a transactional ordered key-value store.
type KV interface {
	// View runs fn in a read transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn in a read-write transaction. The transaction commits
	// iff fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the operation set available inside a transaction.
type Tx interface {
	Get(b Bucket, key []byte) ([]byte, error)
	Put(b Bucket, key, value []byte) error
	Delete(b Bucket, key []byte) error

	// DeleteRange removes every key in r and returns the number removed.
	DeleteRange(b Bucket, r Range) (int64, error)

	// Scan returns an iterator over r. The iterator is only valid until
	// the enclosing transaction ends; callers must Close it.
	Scan(b Bucket, r Range) (Iterator, error)

	Count(b Bucket, r Range) (int64, error)
}

// Range selects keys in [Start, End). Nil bounds are unbounded.
type Range struct {
	Start   []byte
	End     []byte
	Reverse bool
	Limit   int // 0 = no limit
}

// All selects every key in a bucket.
var All = Range{}

// Iterator walks keys in range order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// SeqKey encodes a non-negative seq so that bytewise order equals numeric order.
func SeqKey(seq int64) []byte {
	if seq < 0 {
		seq = 0
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

// ParseSeqKey decodes a key produced by SeqKey.
func ParseSeqKey(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("logstore: seq key has %d bytes, want 8", len(key))
	}
	return int64(binary.BigEndian.Uint64(key)), nil
}

// SeqRange selects seq keys in [from, to). A negative to is unbounded.
func SeqRange(from, to int64) Range {
	r := Range{Start: SeqKey(from)}
	if to >= 0 {
		r.End = SeqKey(to)
	}
	return r
}
