package remote

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/fecore/internal/ir"
)

// ErrUnavailable is returned by a Memory replica while it is unavailable.
var ErrUnavailable = errors.New("remote: unavailable")

// Push records one mutating call accepted by a Memory replica.
type Push struct {
	Op    ir.Op
	Table string
	Row   Row
}

// PushFault decides whether a mutating call should fail. Returning a
// non-nil error rejects the call before it takes effect.
type PushFault func(op ir.Op, table string, row Row) error

type rowKey struct {
	partition string
	id        string
}

// Memory is an in-process Remote.
//
// It records accepted pushes in order and supports fault injection:
// unavailability, per-call push faults and subscription failures.
type Memory struct {
	hub *Hub

	mu           sync.Mutex
	tables       map[string]map[rowKey]Row
	pushes       []Push
	unavailable  bool
	fault        PushFault
	subscribeErr error
}

var _ Remote = (*Memory)(nil)

// NewMemory creates an empty in-memory replica.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		hub:    NewHub(logger),
		tables: make(map[string]map[rowKey]Row),
	}
}

// SetUnavailable makes every call fail with ErrUnavailable while set.
func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// SetPushFault installs fn to vet every Upsert and Delete. nil clears it.
func (m *Memory) SetPushFault(fn PushFault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// SetSubscribeError makes Subscribe fail with err while non-nil.
func (m *Memory) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// DropSubscriptions ends every active subscription with err.
func (m *Memory) DropSubscriptions(err error) {
	m.hub.DropAll(err)
}

// Subscribers returns the number of active subscriptions.
func (m *Memory) Subscribers() int {
	return m.hub.Count()
}

// Pushes returns every accepted Upsert and Delete in order.
func (m *Memory) Pushes() []Push {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pushes)
}

// Ping implements Replica.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	return ctx.Err()
}

// Upsert implements Replica.
func (m *Memory) Upsert(ctx context.Context, table string, row Row) error {
	if err := row.validateKey(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admit(ctx, ir.OpPut, table, row); err != nil {
		return err
	}
	rows := m.tables[table]
	if rows == nil {
		rows = make(map[rowKey]Row)
		m.tables[table] = rows
	}
	key := rowKey{row.Partition(), row.ID()}
	_, existed := rows[key]
	stored := row.Clone()
	rows[key] = stored
	m.pushes = append(m.pushes, Push{Op: ir.OpPut, Table: table, Row: stored.Clone()})

	event := EventInsert
	if existed {
		event = EventUpdate
	}
	m.hub.Publish(Change{EventType: event, Table: table, New: stored.Clone()})
	return nil
}

// Delete implements Replica.
func (m *Memory) Delete(ctx context.Context, table string, key Row) error {
	if err := key.validateKey(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admit(ctx, ir.OpDelete, table, key); err != nil {
		return err
	}
	m.pushes = append(m.pushes, Push{Op: ir.OpDelete, Table: table, Row: key.Clone()})

	rk := rowKey{key.Partition(), key.ID()}
	if _, ok := m.tables[table][rk]; !ok {
		return nil
	}
	delete(m.tables[table], rk)
	m.hub.Publish(Change{EventType: EventDelete, Table: table, Old: key.Clone()})
	return nil
}

// Select implements Replica.
func (m *Memory) Select(ctx context.Context, table, partition string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Row
	for key, row := range m.tables[table] {
		if key.partition == partition {
			out = append(out, row.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Row) int { return strings.Compare(a.ID(), b.ID()) })
	return out, nil
}

// Subscribe implements Realtime.
func (m *Memory) Subscribe(ctx context.Context, filter Filter, handler Handler) (*Subscription, error) {
	m.mu.Lock()
	unavailable, subErr := m.unavailable, m.subscribeErr
	m.mu.Unlock()

	switch {
	case unavailable:
		return nil, ErrUnavailable
	case subErr != nil:
		return nil, subErr
	}
	return m.hub.Subscribe(ctx, filter, handler)
}

// Unsubscribe implements Realtime.
func (m *Memory) Unsubscribe(sub *Subscription) error {
	return m.hub.Unsubscribe(sub)
}

// Close ends all subscriptions.
func (m *Memory) Close() error {
	m.hub.Close()
	return nil
}

// admit runs the availability and fault checks. Caller holds m.mu.
func (m *Memory) admit(ctx context.Context, op ir.Op, table string, row Row) error {
	if m.unavailable {
		return ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		if err := m.fault(op, table, row); err != nil {
			return err
		}
	}
	return nil
}
