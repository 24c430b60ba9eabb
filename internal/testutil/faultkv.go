package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/fecore/internal/logstore"
)

// ErrInjected is returned by FaultyKV for injected failures.
var ErrInjected = errors.New("testutil: injected storage failure")

// FaultyKV wraps a logstore.KV and fails Update calls on demand.
// View is always passed through.
type FaultyKV struct {
	logstore.KV

	mu       sync.Mutex
	failNext int
	failAll  bool
	updates  int
}

var _ logstore.KV = (*FaultyKV)(nil)

// NewFaultyKV wraps kv.
func NewFaultyKV(kv logstore.KV) *FaultyKV {
	return &FaultyKV{KV: kv}
}

// FailNextUpdates makes the next n Update calls fail without running fn.
func (f *FaultyKV) FailNextUpdates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// SetFailAll toggles failing every Update until cleared.
func (f *FaultyKV) SetFailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

// Updates returns how many Update calls reached the wrapped KV.
func (f *FaultyKV) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// Update fails with ErrInjected when a fault is armed, otherwise delegates.
func (f *FaultyKV) Update(ctx context.Context, fn func(logstore.Tx) error) error {
	f.mu.Lock()
	switch {
	case f.failAll:
		f.mu.Unlock()
		return ErrInjected
	case f.failNext > 0:
		f.failNext--
		f.mu.Unlock()
		return ErrInjected
	}
	f.updates++
	f.mu.Unlock()
	return f.KV.Update(ctx, fn)
}

// OpenTestKV opens a SQLite KV under t.TempDir() and closes it on cleanup.
// Returns the KV and its database path so tests can reopen it.
func OpenTestKV(t *testing.T) (*logstore.SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fecore.db")
	kv, err := logstore.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv, path
}
