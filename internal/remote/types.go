package remote

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Reserved row columns.
const (
	ColID            = "id"
	ColPartition     = "partition_id"
	ColUpdatedDevice = "updated_device"
)

// Row is one remote row: reserved columns plus data columns.
type Row map[string]any

// ID returns the row's id column.
func (r Row) ID() string { return r.str(ColID) }

// Partition returns the row's partition_id column.
func (r Row) Partition() string { return r.str(ColPartition) }

// UpdatedDevice returns the id of the device that last wrote the row.
func (r Row) UpdatedDevice() string { return r.str(ColUpdatedDevice) }

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

func (r Row) str(col string) string {
	s, _ := r[col].(string)
	return s
}

// validateKey checks that a row carries its primary key.
func (r Row) validateKey() error {
	if r.ID() == "" {
		return fmt.Errorf("row missing %s", ColID)
	}
	if r.Partition() == "" {
		return fmt.Errorf("row %s missing %s", r.ID(), ColPartition)
	}
	return nil
}

// EventType is the kind of a realtime change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Change is one realtime notification. New is set for INSERT and UPDATE;
// Old carries the deleted row's key and deleting device for DELETE.
type Change struct {
	EventType EventType `json:"eventType"`
	Table     string    `json:"table"`
	New       Row       `json:"new,omitempty"`
	Old       Row       `json:"old,omitempty"`
}

// Row returns New, or Old for deletes.
func (c Change) Row() Row {
	if c.EventType == EventDelete {
		return c.Old
	}
	return c.New
}

// Filter selects changes for a subscription. Empty Tables matches every
// table; empty Partition matches every partition.
type Filter struct {
	Tables    []string `json:"tables,omitempty"`
	Partition string   `json:"partition,omitempty"`
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c Change) bool {
	if len(f.Tables) > 0 && !slices.Contains(f.Tables, c.Table) {
		return false
	}
	if f.Partition != "" && c.Row().Partition() != f.Partition {
		return false
	}
	return true
}

// Handler receives changes for one subscription, in publish order.
type Handler func(Change)

// Replica is the request/response side of a remote.
type Replica interface {
	// Ping checks that the remote is reachable.
	Ping(ctx context.Context) error

	// Upsert inserts or replaces the row keyed by (partition_id, id).
	// Re-sending an acknowledged row is a no-op in effect.
	Upsert(ctx context.Context, table string, row Row) error

	// Delete removes the row keyed by key's (partition_id, id). key also
	// carries updated_device. Deleting a missing row succeeds.
	Delete(ctx context.Context, table string, key Row) error

	// Select returns every row of table in partition, ordered by id.
	Select(ctx context.Context, table, partition string) ([]Row, error)
}

// Realtime is the change-feed side of a remote.
type Realtime interface {
	// Subscribe registers handler for changes matching filter. ctx bounds
	// establishment only; the subscription lives until Unsubscribe or
	// until the remote drops it, which closes Done.
	Subscribe(ctx context.Context, filter Filter, handler Handler) (*Subscription, error)

	Unsubscribe(sub *Subscription) error
}

// Remote is a full remote replica.
type Remote interface {
	Replica
	Realtime
}

// Subscription is a handle to an active change feed.
type Subscription struct {
	ID     string
	Filter Filter

	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	teardown func()
}

func newSubscription(id string, filter Filter) *Subscription {
	return &Subscription{ID: id, Filter: filter, done: make(chan struct{})}
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended: nil while active or after a
// clean Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active reports whether the subscription is still delivering.
func (s *Subscription) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// end closes the subscription once, recording err.
func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		teardown := s.teardown
		s.mu.Unlock()
		close(s.done)
		if teardown != nil {
			teardown()
		}
	})
}
