package journal

import "sync/atomic"

// Clock is the journal's monotonic seq counter.
//
// Clock holds the NEXT seq to hand out. The first seq of an empty journal
// is 0. Clock is safe for concurrent use, but the journal only advances it
// while holding its own lock so that assignment order equals persist order.
type Clock struct {
	next atomic.Int64
}

// NewClockAt creates a clock whose next seq is start.
// Used on Init to resume from the persisted position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.next.Store(start)
	return c
}

// Next returns the next seq and advances the clock.
func (c *Clock) Next() int64 {
	return c.next.Add(1) - 1
}

// Peek returns the next seq without advancing.
func (c *Clock) Peek() int64 {
	return c.next.Load()
}

// rollback returns seq to the clock if it is still the latest handed out.
func (c *Clock) rollback(seq int64) bool {
	return c.next.CompareAndSwap(seq+1, seq)
}
