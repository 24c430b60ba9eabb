package livesync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/roach88/fecore/internal/logstore"
)

// Cursor is the persisted last-pushed seq. It only moves forward.
//
// A seq at or below the cursor is either pushed or does not need pushing
// (remote-origin or unmapped). -1 means nothing has been pushed.
type Cursor struct {
	kv    logstore.KV
	mu    sync.Mutex // serializes Advance
	value atomic.Int64
}

// LoadCursor reads the cursor from kv's meta bucket. A missing or
// unparseable value loads as -1.
func LoadCursor(ctx context.Context, kv logstore.KV) (*Cursor, error) {
	c := &Cursor{kv: kv}
	c.value.Store(-1)

	err := kv.View(ctx, func(tx logstore.Tx) error {
		raw, err := tx.Get(logstore.BucketMeta, keyLastPushed)
		if errors.Is(err, logstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if n, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			c.value.Store(n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sync cursor: %w", err)
	}
	return c, nil
}

// Value returns the last pushed seq. Safe for concurrent use.
func (c *Cursor) Value() int64 {
	return c.value.Load()
}

// Advance persists seq if it is beyond the current value. Returns false
// without writing if seq does not move the cursor forward.
func (c *Cursor) Advance(ctx context.Context, seq int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq <= c.value.Load() {
		return false, nil
	}
	err := c.kv.Update(ctx, func(tx logstore.Tx) error {
		return tx.Put(logstore.BucketMeta, keyLastPushed, []byte(strconv.FormatInt(seq, 10)))
	})
	if err != nil {
		return false, fmt.Errorf("advance sync cursor to %d: %w", seq, err)
	}
	c.value.Store(seq)
	return true, nil
}

// HasSynced reports whether a reconciler with a remote ever ran over kv,
// i.e. the meta bucket holds a sync identity or cursor. Such a database has
// a push backlog to protect even when no remote is configured right now.
func HasSynced(ctx context.Context, kv logstore.KV) (bool, error) {
	found := false
	err := kv.View(ctx, func(tx logstore.Tx) error {
		for _, key := range [][]byte{keyDeviceID, keyLastPushed} {
			_, err := tx.Get(logstore.BucketMeta, key)
			if err == nil {
				found = true
				return nil
			}
			if !errors.Is(err, logstore.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read sync state: %w", err)
	}
	return found, nil
}
