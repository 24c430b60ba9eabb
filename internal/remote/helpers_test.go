package remote

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collector records changes delivered to a handler.
type collector struct {
	mu      sync.Mutex
	changes []Change
}

func (c *collector) handle(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *collector) snapshot() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.changes...)
}

func (c *collector) waitFor(t *testing.T, n int) []Change {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d changes", n)
	return c.snapshot()
}

func row(partition, id, device string, kv ...any) Row {
	r := Row{ColID: id, ColPartition: partition, ColUpdatedDevice: device}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}
