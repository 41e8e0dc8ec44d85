// Package broker defines the backing store contract the event log, the
// snapshot store and the cursor store are built on: per-entity append-only
// streams with conditional append, ranged reads and key-value buckets.
//
// Implementations live in the memory and sqlbroker subpackages.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict is returned by Append when the subject's last sequence
	// differs from the expected one at commit time
	ErrConflict = errors.New("broker: expected sequence mismatch")

	// ErrNotFound is returned by Get when a bucket holds no value for a key
	ErrNotFound = errors.New("broker: key not found")

	// ErrClosed is returned by operations on a closed broker
	ErrClosed = errors.New("broker: closed")
)

// Subject addresses a single entity stream
type Subject struct {
	Type string
	ID   string
}

// String renders the subject as <type>.<id>
func (s Subject) String() string {
	return fmt.Sprintf("%s.%s", s.Type, s.ID)
}

// Record is a single stream entry as stored by the broker.
// SeqNo and Position are assigned by the broker on append.
type Record struct {
	Subject    Subject
	SeqNo      uint64
	Position   uint64
	EventID    string
	EventType  string
	Payload    []byte
	Meta       map[string]string
	OccurredOn time.Time
}

// Ordering declares which ordering guarantees a broker gives across subjects
type Ordering int

const (
	// OrderPerSubject only guarantees ascending order within one subject
	OrderPerSubject Ordering = iota

	// OrderTotal guarantees that positions are committed in ascending order
	// across all subjects, so a reader never observes position n+1 before n
	OrderTotal
)

// String implements fmt.Stringer
func (o Ordering) String() string {
	if o == OrderTotal {
		return "total"
	}

	return "per-subject"
}

// Streams is the append-only stream part of a broker
type Streams interface {
	// Append atomically appends recs to subj iff its current last sequence
	// equals expected. Returned records carry their assigned SeqNo and Position.
	Append(ctx context.Context, subj Subject, expected uint64, recs []Record) ([]Record, error)

	// Read returns up to limit records of subj with SeqNo > afterSeq in ascending order
	Read(ctx context.Context, subj Subject, afterSeq uint64, limit int) ([]Record, error)

	// ReadType returns up to limit records of all subjects of entityType with
	// Position > afterPos in ascending position order
	ReadType(ctx context.Context, entityType string, afterPos uint64, limit int) ([]Record, error)

	// LastSeq returns the last sequence of subj, 0 if the subject is empty
	LastSeq(ctx context.Context, subj Subject) (uint64, error)

	// LastPosition returns the highest position among records of entityType, 0 if none
	LastPosition(ctx context.Context, entityType string) (uint64, error)

	// Wait blocks until a record of entityType with Position > afterPos exists
	// or ctx is done
	Wait(ctx context.Context, entityType string, afterPos uint64) error

	// WaitSeq blocks until subj has a record with SeqNo > afterSeq or ctx is
	// done. It does not depend on positions, so it holds for any Ordering.
	WaitSeq(ctx context.Context, subj Subject, afterSeq uint64) error
}

// KV is the last-write-wins key-value part of a broker
type KV interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Broker bundles streams and buckets of one backing store
type Broker interface {
	Streams
	KV

	// Ordering declares the cross-subject ordering this deployment provides
	Ordering() Ordering

	Close() error
}
