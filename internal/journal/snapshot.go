package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/logstore"
)

// keySnapshot is the single "latest" snapshot slot.
var keySnapshot = []byte("latest")

const (
	snapshotVersion = 1
	codecSnappy     = "snappy"
)

// snapshotEnvelope is the persisted form of the snapshot slot.
// The header fields are readable without decompressing the payload.
type snapshotEnvelope struct {
	Version   int    `json:"v"`
	Timestamp int64  `json:"ts"`
	UptoSeq   int64  `json:"uptoSeq"`
	Codec     string `json:"codec"`
	Checksum  string `json:"sum"`
	Payload   []byte `json:"payload"`
}

// SaveSnapshot persists state as the single snapshot slot, replacing any
// previous snapshot wholesale. uptoSeq is the highest seq fully reflected
// in state.
func (j *Journal) SaveSnapshot(ctx context.Context, state ir.State, uptoSeq int64) error {
	snap := ir.Snapshot{
		Timestamp: j.now().UnixMilli(),
		UptoSeq:   uptoSeq,
		State:     state,
	}
	if snap.State == nil {
		snap.State = ir.State{}
	}

	env, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	err = j.kv.Update(ctx, func(tx logstore.Tx) error {
		return tx.Put(logstore.BucketSnapshot, keySnapshot, data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	j.logger.Debug("snapshot saved", "upto_seq", uptoSeq, "bytes", len(env.Payload))
	return nil
}

// LoadSnapshot returns the latest snapshot, or nil if none was saved.
// A snapshot that fails its checksum is reported as SNAPSHOT_CORRUPT.
func (j *Journal) LoadSnapshot(ctx context.Context) (*ir.Snapshot, error) {
	var env *snapshotEnvelope
	err := j.kv.View(ctx, func(tx logstore.Tx) error {
		var err error
		env, err = readEnvelope(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if env == nil {
		return nil, nil
	}

	snap, err := decodeSnapshot(env)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// encodeSnapshotPayload produces the canonical bytes covered by the checksum.
func encodeSnapshotPayload(snap ir.Snapshot) ([]byte, error) {
	return ir.MarshalCanonical(snap)
}

func encodeSnapshot(snap ir.Snapshot) (*snapshotEnvelope, error) {
	payload, err := encodeSnapshotPayload(snap)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return &snapshotEnvelope{
		Version:   snapshotVersion,
		Timestamp: snap.Timestamp,
		UptoSeq:   snap.UptoSeq,
		Codec:     codecSnappy,
		Checksum:  ir.Checksum(ir.DomainSnapshot, payload),
		Payload:   snappy.Encode(nil, payload),
	}, nil
}

func decodeSnapshot(env *snapshotEnvelope) (*ir.Snapshot, error) {
	if env.Version != snapshotVersion {
		return nil, ir.Errorf(ir.CodeSnapshotCorrupt, "decode snapshot", "unsupported version %d", env.Version)
	}
	if env.Codec != codecSnappy {
		return nil, ir.Errorf(ir.CodeSnapshotCorrupt, "decode snapshot", "unsupported codec %q", env.Codec)
	}

	payload, err := snappy.Decode(nil, env.Payload)
	if err != nil {
		return nil, ir.Wrap(ir.CodeSnapshotCorrupt, "decode snapshot", err)
	}
	if sum := ir.Checksum(ir.DomainSnapshot, payload); sum != env.Checksum {
		return nil, ir.Errorf(ir.CodeSnapshotCorrupt, "decode snapshot", "checksum mismatch: %s != %s", sum, env.Checksum)
	}

	var snap ir.Snapshot
	if err := ir.DecodeJSON(payload, &snap); err != nil {
		return nil, ir.Wrap(ir.CodeSnapshotCorrupt, "decode snapshot", err)
	}
	if snap.State == nil {
		snap.State = ir.State{}
	}
	return &snap, nil
}

func readEnvelope(tx logstore.Tx) (*snapshotEnvelope, error) {
	raw, err := tx.Get(logstore.BucketSnapshot, keySnapshot)
	if errors.Is(err, logstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ir.Wrap(ir.CodeSnapshotCorrupt, "read snapshot", err)
	}
	return &env, nil
}

// readSnapshotHeader returns the slot's timestamp and uptoSeq without
// decoding the state.
func readSnapshotHeader(tx logstore.Tx) (snapshotEnvelope, bool, error) {
	env, err := readEnvelope(tx)
	if err != nil || env == nil {
		return snapshotEnvelope{}, false, err
	}
	hdr := *env
	hdr.Payload = nil
	return hdr, true, nil
}
