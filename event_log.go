package eventsourced

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aneshas/eventsourced/broker"
)

// NewEventLog constructs an event log on top of the broker streams
func NewEventLog(streams broker.Streams, opts ...Option) *EventLog {
	cfg := newCfg(opts)

	return &EventLog{
		streams: streams,
		cfg:     cfg,
		tracer:  cfg.tracer(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EventLog is an append-only, per entity ordered sequence of events
// with conflict checked writes and ranged reads
type EventLog struct {
	streams broker.Streams
	cfg     Cfg
	tracer  trace.Tracer
	now     func() time.Time
}

// Ordering returns the cross entity ordering the underlying broker declares
func (l *EventLog) Ordering() broker.Ordering {
	if o, ok := l.streams.(interface{ Ordering() broker.Ordering }); ok {
		return o.Ordering()
	}

	return broker.OrderPerSubject
}

// Append atomically appends events to the entity stream iff its last
// sequence equals expected and returns the new last sequence.
// Appending no events only checks expected.
func (l *EventLog) Append(ctx context.Context, entityType, entityID string, expected SeqNo, events []Event) (SeqNo, error) {
	subj, err := subject(entityType, entityID)
	if err != nil {
		return 0, err
	}

	ctx, span := l.tracer.Start(ctx, "eventlog.Append", trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("entity_id", entityID),
		attribute.Int64("expected_seq_no", int64(expected)),
		attribute.Int("events", len(events)),
	))
	defer span.End()

	recs := make([]broker.Record, len(events))

	for i, evt := range events {
		rec, err := l.toRecord(evt)
		if err != nil {
			return 0, fail(span, err)
		}

		recs[i] = rec
	}

	cctx, cancel := l.cfg.callCtx(ctx)
	defer cancel()

	out, err := l.streams.Append(cctx, subj, uint64(expected), recs)
	if errors.Is(err, broker.ErrConflict) {
		return 0, fail(span, fmt.Errorf("%w: %s at %d", ErrConcurrencyConflict, subj, expected))
	}

	if err != nil {
		return 0, fail(span, unavailable(ctx, ErrLogUnavailable, err))
	}

	if len(out) != len(recs) {
		return 0, fail(span, corrupt("%s: appended %d of %d events", subj, len(out), len(recs)))
	}

	for i, rec := range out {
		if want := uint64(expected) + uint64(i) + 1; rec.SeqNo != want {
			return 0, fail(span, corrupt("%s: store assigned seq %d, want %d", subj, rec.SeqNo, want))
		}
	}

	if l.cfg.VerifyAppends && len(recs) > 0 {
		if err := l.verify(ctx, subj, expected, recs); err != nil {
			return 0, fail(span, err)
		}
	}

	last := expected + SeqNo(len(out))

	l.cfg.Logger.DebugContext(ctx, "events appended",
		"entity_type", entityType,
		"entity_id", entityID,
		"seq_no", uint64(last),
	)

	return last, nil
}

func (l *EventLog) toRecord(evt Event) (broker.Record, error) {
	if evt.Type == "" {
		return broker.Record{}, fmt.Errorf("%w: event type must be set", ErrInvalidArgument)
	}

	id := evt.ID

	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return broker.Record{}, err
		}

		id = u.String()
	}

	occurredOn := evt.OccurredOn

	if occurredOn.IsZero() {
		occurredOn = l.now()
	}

	return broker.Record{
		EventID:    id,
		EventType:  evt.Type,
		Payload:    evt.Payload,
		Meta:       evt.Meta,
		OccurredOn: occurredOn,
	}, nil
}

func (l *EventLog) verify(ctx context.Context, subj broker.Subject, expected SeqNo, written []broker.Record) error {
	got, err := l.read(ctx, subj, uint64(expected), len(written))
	if err != nil {
		return err
	}

	if len(got) != len(written) {
		return corrupt("%s: read back %d of %d appended events", subj, len(got), len(written))
	}

	for i, rec := range got {
		want := written[i]

		if rec.EventID != want.EventID ||
			rec.EventType != want.EventType ||
			!bytes.Equal(rec.Payload, want.Payload) {
			return corrupt("%s: event at seq %d differs from the appended one", subj, rec.SeqNo)
		}
	}

	return nil
}

// ReadFrom lazily reads events of an entity with SeqNo > from in ascending order.
// The read ends at the tail observed when iteration starts.
// A missing sequence number is reported as ErrCorrupt.
func (l *EventLog) ReadFrom(ctx context.Context, entityType, entityID string, from SeqNo) iter.Seq2[EventRecord, error] {
	return func(yield func(EventRecord, error) bool) {
		subj, err := subject(entityType, entityID)
		if err != nil {
			yield(EventRecord{}, err)

			return
		}

		ctx, span := l.tracer.Start(ctx, "eventlog.ReadFrom", trace.WithAttributes(
			attribute.String("entity_type", entityType),
			attribute.String("entity_id", entityID),
			attribute.Int64("from_seq_no", int64(from)),
		))
		defer span.End()

		tail, err := l.lastSeq(ctx, subj)
		if err != nil {
			yield(EventRecord{}, fail(span, err))

			return
		}

		next := uint64(from)

		for next < tail {
			batch, err := l.read(ctx, subj, next, min(l.cfg.BatchSize, int(tail-next)))
			if err != nil {
				yield(EventRecord{}, fail(span, err))

				return
			}

			if len(batch) == 0 {
				yield(EventRecord{}, fail(span, corrupt("%s: log ends at %d, tail was %d", subj, next, tail)))

				return
			}

			for _, rec := range batch {
				if rec.SeqNo != next+1 {
					yield(EventRecord{}, fail(span, corrupt("%s: sequence gap, want %d got %d", subj, next+1, rec.SeqNo)))

					return
				}

				if !yield(recordOf(rec), nil) {
					return
				}

				next = rec.SeqNo
			}
		}
	}
}

// ReadByType lazily reads events of all entities of entityType with a store
// position > afterPosition in ascending position order. The read ends at
// the last position observed when iteration starts.
func (l *EventLog) ReadByType(ctx context.Context, entityType string, afterPosition uint64) iter.Seq2[EventRecord, error] {
	return func(yield func(EventRecord, error) bool) {
		if entityType == "" {
			yield(EventRecord{}, fmt.Errorf("%w: entity type must be set", ErrInvalidArgument))

			return
		}

		ctx, span := l.tracer.Start(ctx, "eventlog.ReadByType", trace.WithAttributes(
			attribute.String("entity_type", entityType),
			attribute.Int64("after_position", int64(afterPosition)),
		))
		defer span.End()

		tail, err := l.lastPosition(ctx, entityType)
		if err != nil {
			yield(EventRecord{}, fail(span, err))

			return
		}

		next := afterPosition

		for next < tail {
			batch, err := l.readType(ctx, entityType, next, l.cfg.BatchSize)
			if err != nil {
				yield(EventRecord{}, fail(span, err))

				return
			}

			if len(batch) == 0 {
				return
			}

			for _, rec := range batch {
				if rec.Position > tail {
					return
				}

				if !yield(recordOf(rec), nil) {
					return
				}

				next = rec.Position
			}
		}
	}
}

// LastSeqNo returns the last sequence of an entity, 0 if it has no events
func (l *EventLog) LastSeqNo(ctx context.Context, entityType, entityID string) (SeqNo, error) {
	subj, err := subject(entityType, entityID)
	if err != nil {
		return 0, err
	}

	ctx, span := l.tracer.Start(ctx, "eventlog.LastSeqNo", trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("entity_id", entityID),
	))
	defer span.End()

	last, err := l.lastSeq(ctx, subj)
	if err != nil {
		return 0, fail(span, err)
	}

	return SeqNo(last), nil
}

func (l *EventLog) lastSeq(ctx context.Context, subj broker.Subject) (uint64, error) {
	cctx, cancel := l.cfg.callCtx(ctx)
	defer cancel()

	last, err := l.streams.LastSeq(cctx, subj)
	if err != nil {
		return 0, unavailable(ctx, ErrLogUnavailable, err)
	}

	return last, nil
}

func (l *EventLog) lastPosition(ctx context.Context, entityType string) (uint64, error) {
	cctx, cancel := l.cfg.callCtx(ctx)
	defer cancel()

	last, err := l.streams.LastPosition(cctx, entityType)
	if err != nil {
		return 0, unavailable(ctx, ErrLogUnavailable, err)
	}

	return last, nil
}

func (l *EventLog) read(ctx context.Context, subj broker.Subject, after uint64, limit int) ([]broker.Record, error) {
	cctx, cancel := l.cfg.callCtx(ctx)
	defer cancel()

	recs, err := l.streams.Read(cctx, subj, after, limit)
	if err != nil {
		return nil, unavailable(ctx, ErrLogUnavailable, err)
	}

	return recs, nil
}

func (l *EventLog) readType(ctx context.Context, entityType string, after uint64, limit int) ([]broker.Record, error) {
	cctx, cancel := l.cfg.callCtx(ctx)
	defer cancel()

	recs, err := l.streams.ReadType(cctx, entityType, after, limit)
	if err != nil {
		return nil, unavailable(ctx, ErrLogUnavailable, err)
	}

	return recs, nil
}

// wait blocks until an event of entityType past afterPosition is appended.
// It is not bounded by the call timeout.
func (l *EventLog) wait(ctx context.Context, entityType string, afterPosition uint64) error {
	if err := l.streams.Wait(ctx, entityType, afterPosition); err != nil {
		return unavailable(ctx, ErrLogUnavailable, err)
	}

	return nil
}

func (l *EventLog) waitSeq(ctx context.Context, subj broker.Subject, afterSeq uint64) error {
	if err := l.streams.WaitSeq(ctx, subj, afterSeq); err != nil {
		return unavailable(ctx, ErrLogUnavailable, err)
	}

	return nil
}

func subject(entityType, entityID string) (broker.Subject, error) {
	if entityType == "" || entityID == "" {
		return broker.Subject{}, fmt.Errorf("%w: entity type and id must be set", ErrInvalidArgument)
	}

	return broker.Subject{Type: entityType, ID: entityID}, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return err
}
