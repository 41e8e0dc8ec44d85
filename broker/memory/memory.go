// Package memory provides an in-process broker.Broker. It keeps every record
// in memory and is meant for tests, examples and single process deployments.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/aneshas/eventsourced/broker"
)

var _ broker.Broker = (*Broker)(nil)

// New constructs an empty in-memory broker
func New() *Broker {
	return &Broker{
		subjects: make(map[broker.Subject][]broker.Record),
		buckets:  make(map[string]map[string][]byte),
		appended: make(chan struct{}),
	}
}

// Broker is an in-memory broker. All appends are serialized by a single
// mutex, so positions are committed in total order.
type Broker struct {
	mu       sync.RWMutex
	log      []broker.Record
	subjects map[broker.Subject][]broker.Record
	buckets  map[string]map[string][]byte
	closed   bool

	// appended is closed and replaced on every append to wake up waiters
	appended chan struct{}
}

// Ordering implements broker.Broker
func (b *Broker) Ordering() broker.Ordering { return broker.OrderTotal }

// Close implements broker.Broker
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.appended)
	}

	return nil
}

// Append implements broker.Streams
func (b *Broker) Append(ctx context.Context, subj broker.Subject, expected uint64, recs []broker.Record) ([]broker.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}

	stream := b.subjects[subj]

	if uint64(len(stream)) != expected {
		return nil, broker.ErrConflict
	}

	out := make([]broker.Record, len(recs))

	for i, rec := range recs {
		rec.Subject = subj
		rec.SeqNo = expected + uint64(i) + 1
		rec.Position = uint64(len(b.log)) + 1
		rec.Payload = clone(rec.Payload)
		rec.Meta = maps.Clone(rec.Meta)

		b.log = append(b.log, rec)
		stream = append(stream, rec)
		out[i] = rec
	}

	b.subjects[subj] = stream

	if len(recs) > 0 {
		close(b.appended)
		b.appended = make(chan struct{})
	}

	return out, nil
}

// Read implements broker.Streams
func (b *Broker) Read(ctx context.Context, subj broker.Subject, afterSeq uint64, limit int) ([]broker.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	stream := b.subjects[subj]

	if afterSeq >= uint64(len(stream)) {
		return nil, nil
	}

	return window(stream[afterSeq:], limit), nil
}

// ReadType implements broker.Streams
func (b *Broker) ReadType(ctx context.Context, entityType string, afterPos uint64, limit int) ([]broker.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []broker.Record

	for i := afterPos; i < uint64(len(b.log)); i++ {
		if limit > 0 && len(out) == limit {
			break
		}

		if b.log[i].Subject.Type == entityType {
			out = append(out, copyRecord(b.log[i]))
		}
	}

	return out, nil
}

// LastSeq implements broker.Streams
func (b *Broker) LastSeq(ctx context.Context, subj broker.Subject) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return uint64(len(b.subjects[subj])), nil
}

// LastPosition implements broker.Streams
func (b *Broker) LastPosition(ctx context.Context, entityType string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := len(b.log) - 1; i >= 0; i-- {
		if b.log[i].Subject.Type == entityType {
			return b.log[i].Position, nil
		}
	}

	return 0, nil
}

// Wait implements broker.Streams. It blocks on the append broadcast channel
// and never polls.
func (b *Broker) Wait(ctx context.Context, entityType string, afterPos uint64) error {
	for {
		b.mu.RLock()
		closed := b.closed
		ready := b.hasAfter(entityType, afterPos)
		appended := b.appended
		b.mu.RUnlock()

		if ready {
			return nil
		}

		if closed {
			return broker.ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-appended:
		}
	}
}

// WaitSeq implements broker.Streams
func (b *Broker) WaitSeq(ctx context.Context, subj broker.Subject, afterSeq uint64) error {
	for {
		b.mu.RLock()
		closed := b.closed
		ready := uint64(len(b.subjects[subj])) > afterSeq
		appended := b.appended
		b.mu.RUnlock()

		if ready {
			return nil
		}

		if closed {
			return broker.ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-appended:
		}
	}
}

func (b *Broker) hasAfter(entityType string, afterPos uint64) bool {
	for i := len(b.log) - 1; i >= 0 && b.log[i].Position > afterPos; i-- {
		if b.log[i].Subject.Type == entityType {
			return true
		}
	}

	return false
}

// Put implements broker.KV
func (b *Broker) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}

	kv, ok := b.buckets[bucket]
	if !ok {
		kv = make(map[string][]byte)
		b.buckets[bucket] = kv
	}

	kv[key] = clone(value)

	return nil
}

// Get implements broker.KV
func (b *Broker) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.buckets[bucket][key]
	if !ok {
		return nil, broker.ErrNotFound
	}

	return clone(v), nil
}

func window(recs []broker.Record, limit int) []broker.Record {
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]broker.Record, len(recs))

	for i, rec := range recs {
		out[i] = copyRecord(rec)
	}

	return out
}

func copyRecord(rec broker.Record) broker.Record {
	rec.Payload = clone(rec.Payload)
	rec.Meta = maps.Clone(rec.Meta)

	return rec
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}
