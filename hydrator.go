package eventsourced

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewHydrator constructs a hydrator. snapshots may be nil, in which case
// entities are always replayed from their first event.
func NewHydrator(log *EventLog, snapshots *SnapshotStore, opts ...Option) *Hydrator {
	cfg := newCfg(opts)

	return &Hydrator{
		log:       log,
		snapshots: snapshots,
		cfg:       cfg,
		tracer:    cfg.tracer(),
	}
}

// Hydrator reconstructs entity state from the latest snapshot and the events after it
type Hydrator struct {
	log       *EventLog
	snapshots *SnapshotStore
	cfg       Cfg
	tracer    trace.Tracer
}

// Hydrate returns current state of an entity along with its last sequence,
// which is the expected sequence of the next append
func (h *Hydrator) Hydrate(ctx context.Context, kind Kind, entityID string) (any, SeqNo, error) {
	entityType := kind.TypeName()

	ctx, span := h.tracer.Start(ctx, "hydrator.Hydrate", trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("entity_id", entityID),
	))
	defer span.End()

	state, seq, err := h.fromSnapshot(ctx, kind, entityID)
	if err != nil {
		return nil, 0, fail(span, err)
	}

	var replayed int

	for rec, err := range h.log.ReadFrom(ctx, entityType, entityID, seq) {
		if err != nil {
			return nil, 0, fail(span, err)
		}

		evt, err := kind.DecodeEvent(rec.Type, rec.Payload)
		if err != nil {
			return nil, 0, fail(span, corrupt("%s.%s: decode event %d: %v", entityType, entityID, rec.SeqNo, err))
		}

		state, err = kind.Apply(state, evt)
		if err != nil {
			return nil, 0, fail(span, err)
		}

		seq = rec.SeqNo
		replayed++
	}

	span.SetAttributes(
		attribute.Int64("seq_no", int64(seq)),
		attribute.Int("replayed", replayed),
	)

	return state, seq, nil
}

func (h *Hydrator) fromSnapshot(ctx context.Context, kind Kind, entityID string) (any, SeqNo, error) {
	entityType := kind.TypeName()

	if h.snapshots == nil {
		return kind.Initial(), 0, nil
	}

	snap, ok, err := h.snapshots.Load(ctx, entityType, entityID)
	if err != nil {
		return nil, 0, err
	}

	if !ok {
		return kind.Initial(), 0, nil
	}

	last, err := h.log.LastSeqNo(ctx, entityType, entityID)
	if err != nil {
		return nil, 0, err
	}

	if snap.SeqNo > last {
		h.cfg.Logger.ErrorContext(ctx, "snapshot ahead of event log",
			"entity_type", entityType,
			"entity_id", entityID,
			"seq_no", uint64(snap.SeqNo),
			"last_seq_no", uint64(last),
		)

		return nil, 0, corrupt("%s.%s: snapshot at %d is ahead of the log tail %d", entityType, entityID, snap.SeqNo, last)
	}

	state, err := kind.DecodeState(snap.State)
	if err != nil {
		return nil, 0, corrupt("%s.%s: decode snapshot: %v", entityType, entityID, err)
	}

	return state, snap.SeqNo, nil
}

// Snapshot encodes state and saves it as the entity's snapshot at seq.
// seq must not be ahead of the entity's last sequence in the log.
func (h *Hydrator) Snapshot(ctx context.Context, kind Kind, entityID string, seq SeqNo, state any) error {
	if h.snapshots == nil {
		return fmt.Errorf("%w: hydrator has no snapshot store", ErrInvalidArgument)
	}

	last, err := h.log.LastSeqNo(ctx, kind.TypeName(), entityID)
	if err != nil {
		return err
	}

	if seq > last {
		return fmt.Errorf("%w: %s.%s: snapshot at %d is ahead of the log tail %d",
			ErrInvalidArgument, kind.TypeName(), entityID, seq, last)
	}

	data, err := kind.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", kind.TypeName(), err)
	}

	return h.snapshots.Save(ctx, kind.TypeName(), entityID, seq, data)
}

// Hydrate is a typed Hydrator.Hydrate
func Hydrate[S, E any](ctx context.Context, h *Hydrator, b *Binding[S, E], entityID string) (S, SeqNo, error) {
	var zero S

	state, seq, err := h.Hydrate(ctx, b, entityID)
	if err != nil {
		return zero, 0, err
	}

	s, ok := state.(S)
	if !ok {
		return zero, 0, fmt.Errorf("%w: %s: hydrated state is %T", ErrInvalidArgument, b.TypeName(), state)
	}

	return s, seq, nil
}
