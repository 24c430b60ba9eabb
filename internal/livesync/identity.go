package livesync

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/logstore"
)

// Meta keys owned by the reconciler.
var (
	keyDeviceID    = []byte("sync.device_id")
	keyPartitionID = []byte("sync.partition_id")
	keyLastPushed  = []byte("sync.last_pushed_seq")
)

// IDGenerator produces device and partition ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids in order. Used by tests.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id. Panics once the ids are exhausted.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Identity names this device and the partition it syncs.
type Identity struct {
	DeviceID    string `json:"deviceId"`
	PartitionID string `json:"partitionId"`
}

// LoadIdentity reads the persisted identity from kv's meta bucket.
//
// Missing ids are generated with gen and persisted. A non-empty device or
// partition override always wins and replaces the persisted value, so a
// configured shared partition lands every device in the same partition.
func LoadIdentity(ctx context.Context, kv logstore.KV, gen IDGenerator, device, partition string) (Identity, error) {
	var id Identity
	err := kv.Update(ctx, func(tx logstore.Tx) error {
		var err error
		if id.DeviceID, err = resolveID(tx, keyDeviceID, device, gen); err != nil {
			return err
		}
		id.PartitionID, err = resolveID(tx, keyPartitionID, partition, gen)
		return err
	})
	if err != nil {
		return Identity{}, ir.Wrap(ir.CodeStorageUnavailable, "load identity", err)
	}
	return id, nil
}

func resolveID(tx logstore.Tx, key []byte, override string, gen IDGenerator) (string, error) {
	raw, err := tx.Get(logstore.BucketMeta, key)
	switch {
	case err == nil:
	case errors.Is(err, logstore.ErrNotFound):
		raw = nil
	default:
		return "", err
	}

	current := string(raw)
	want := current
	switch {
	case override != "":
		want = override
	case current == "":
		want = gen.Generate()
	}
	if want != current {
		if err := tx.Put(logstore.BucketMeta, key, []byte(want)); err != nil {
			return "", err
		}
	}
	return want, nil
}
