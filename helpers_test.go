package eventsourced_test

import (
	"context"
	"flag"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourced"
	"github.com/aneshas/eventsourced/broker"
	"github.com/aneshas/eventsourced/broker/memory"
)

var integration = flag.Bool("integration", false, "perform integration tests")

type Increased struct {
	Inc uint64
}

type Decreased struct {
	Dec uint64
}

var counter = eventsourced.Entity[uint64, any]{
	TypeName: "counter",
	Initial:  func() uint64 { return 0 },
	Apply: func(value uint64, evt any) uint64 {
		switch e := evt.(type) {
		case Increased:
			return value + e.Inc
		case Decreased:
			return value - e.Dec
		}

		return value
	},
}

func counterKind() *eventsourced.Binding[uint64, any] {
	return eventsourced.Bind(
		counter,
		eventsourced.NewJSONCodec[any](Increased{}, Decreased{}),
		eventsourced.NewJSONCodec[uint64](),
	)
}

func encode(t *testing.T, evts ...any) []eventsourced.Event {
	t.Helper()

	out, err := counterKind().EncodeEvents(evts...)
	require.NoError(t, err)

	return out
}

func incs(n int) []any {
	out := make([]any, n)

	for i := range out {
		out[i] = Increased{Inc: uint64(i + 1)}
	}

	return out
}

// faultyBroker wraps the memory broker and injects failures
type faultyBroker struct {
	*memory.Broker

	mu sync.Mutex

	appendErr  error
	readErr    error
	readFails  int
	lastSeqErr error
	putErr     error
	getErr     error

	blockAppend bool
	shiftSeq    uint64
	dropSeq     uint64
	mangleRead  bool
	ordering    *broker.Ordering

	// putHook runs before every Put
	putHook func()
}

func newFaultyBroker() *faultyBroker {
	return &faultyBroker{Broker: memory.New()}
}

func (b *faultyBroker) Ordering() broker.Ordering {
	if b.ordering != nil {
		return *b.ordering
	}

	return b.Broker.Ordering()
}

func (b *faultyBroker) Append(ctx context.Context, subj broker.Subject, expected uint64, recs []broker.Record) ([]broker.Record, error) {
	if b.blockAppend {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if b.appendErr != nil {
		return nil, b.appendErr
	}

	out, err := b.Broker.Append(ctx, subj, expected, recs)

	for i := range out {
		out[i].SeqNo += b.shiftSeq
	}

	return out, err
}

func (b *faultyBroker) Read(ctx context.Context, subj broker.Subject, afterSeq uint64, limit int) ([]broker.Record, error) {
	b.mu.Lock()
	fail := b.readFails > 0
	if fail {
		b.readFails--
	}
	b.mu.Unlock()

	if fail || b.readErr != nil {
		return nil, broker.ErrClosed
	}

	recs, err := b.Broker.Read(ctx, subj, afterSeq, limit)

	var out []broker.Record

	for _, rec := range recs {
		if rec.SeqNo == b.dropSeq {
			continue
		}

		if b.mangleRead {
			rec.Payload = []byte(`{"Inc":999}`)
		}

		out = append(out, rec)
	}

	return out, err
}

func (b *faultyBroker) LastSeq(ctx context.Context, subj broker.Subject) (uint64, error) {
	if b.lastSeqErr != nil {
		return 0, b.lastSeqErr
	}

	return b.Broker.LastSeq(ctx, subj)
}

func (b *faultyBroker) Put(ctx context.Context, bucket, key string, value []byte) error {
	if b.putHook != nil {
		b.putHook()
	}

	if b.putErr != nil {
		return b.putErr
	}

	return b.Broker.Put(ctx, bucket, key, value)
}

func (b *faultyBroker) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}

	return b.Broker.Get(ctx, bucket, key)
}

func collect(t *testing.T, seq func(func(eventsourced.EventRecord, error) bool)) []eventsourced.EventRecord {
	t.Helper()

	var out []eventsourced.EventRecord

	for rec, err := range seq {
		require.NoError(t, err)

		out = append(out, rec)
	}

	return out
}
