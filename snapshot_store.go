package eventsourced

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aneshas/eventsourced/broker"
)

const snapshotsBucket = "snapshots"

// NewSnapshotStore constructs a latest-wins snapshot store on top of a broker bucket
func NewSnapshotStore(kv broker.KV, opts ...Option) *SnapshotStore {
	cfg := newCfg(opts)

	return &SnapshotStore{
		kv:     kv,
		cfg:    cfg,
		bucket: cfg.bucket(snapshotsBucket),
		tracer: cfg.tracer(),
	}
}

// SnapshotStore keeps at most one snapshot per entity, keyed <type>.<id>
type SnapshotStore struct {
	kv     broker.KV
	cfg    Cfg
	bucket string
	tracer trace.Tracer
}

// Save replaces any prior snapshot of the entity. Saving the same
// seq and state twice is a no-op for readers.
func (s *SnapshotStore) Save(ctx context.Context, entityType, entityID string, seq SeqNo, state []byte) error {
	subj, err := subject(entityType, entityID)
	if err != nil {
		return err
	}

	if seq == 0 {
		return fmt.Errorf("%w: snapshot sequence must be positive", ErrInvalidArgument)
	}

	ctx, span := s.tracer.Start(ctx, "snapshots.Save", trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("entity_id", entityID),
		attribute.Int64("seq_no", int64(seq)),
	))
	defer span.End()

	cctx, cancel := s.cfg.callCtx(ctx)
	defer cancel()

	if err := s.kv.Put(cctx, s.bucket, subj.String(), encodeSnapshot(seq, state)); err != nil {
		return fail(span, unavailable(ctx, ErrStoreUnavailable, err))
	}

	return nil
}

// Load returns the latest snapshot of an entity. ok is false if there is none.
func (s *SnapshotStore) Load(ctx context.Context, entityType, entityID string) (snap Snapshot, ok bool, err error) {
	subj, err := subject(entityType, entityID)
	if err != nil {
		return Snapshot{}, false, err
	}

	ctx, span := s.tracer.Start(ctx, "snapshots.Load", trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("entity_id", entityID),
	))
	defer span.End()

	cctx, cancel := s.cfg.callCtx(ctx)
	defer cancel()

	data, err := s.kv.Get(cctx, s.bucket, subj.String())
	if errors.Is(err, broker.ErrNotFound) {
		return Snapshot{}, false, nil
	}

	if err != nil {
		return Snapshot{}, false, fail(span, unavailable(ctx, ErrStoreUnavailable, err))
	}

	seq, state, err := decodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, fail(span, corrupt("snapshot %s: %v", subj, err))
	}

	return Snapshot{
		EntityType: entityType,
		EntityID:   entityID,
		SeqNo:      seq,
		State:      state,
	}, true, nil
}

// Snapshots are stored as a protobuf message {1: seq_no varint, 2: state bytes}
const (
	snapshotSeqField   protowire.Number = 1
	snapshotStateField protowire.Number = 2
)

func encodeSnapshot(seq SeqNo, state []byte) []byte {
	b := protowire.AppendTag(nil, snapshotSeqField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seq))
	b = protowire.AppendTag(b, snapshotStateField, protowire.BytesType)

	return protowire.AppendBytes(b, state)
}

func decodeSnapshot(b []byte) (SeqNo, []byte, error) {
	var (
		seq   SeqNo
		state []byte
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}

		b = b[n:]

		switch {
		case num == snapshotSeqField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}

			seq = SeqNo(v)
			b = b[n:]

		case num == snapshotStateField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}

			state = append([]byte(nil), v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}

			b = b[n:]
		}
	}

	if seq == 0 {
		return 0, nil, fmt.Errorf("missing sequence")
	}

	return seq, state, nil
}
