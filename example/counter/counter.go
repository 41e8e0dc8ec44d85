// Package counter is an example entity: a non-negative counter that refuses
// to overflow or underflow.
package counter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/aneshas/eventsourced"
	"github.com/aneshas/eventsourced/entity"
)

// TypeName of the counter entity
const TypeName = "counter"

var (
	// ErrOverflow is returned when an increment would overflow the counter
	ErrOverflow = errors.New("overflow")

	// ErrUnderflow is returned when a decrement would take the counter below zero
	ErrUnderflow = errors.New("underflow")
)

// Increased event
type Increased struct {
	OldValue uint64 `json:"old_value"`
	Inc      uint64 `json:"inc"`
}

// Decreased event
type Decreased struct {
	OldValue uint64 `json:"old_value"`
	Dec      uint64 `json:"dec"`
}

// Kind returns the counter entity bound to its json codecs
func Kind() *eventsourced.Binding[uint64, any] {
	return eventsourced.Bind(
		eventsourced.Entity[uint64, any]{
			TypeName: TypeName,
			Initial:  func() uint64 { return 0 },
			Apply:    apply,
		},
		eventsourced.NewJSONCodec[any](Increased{}, Decreased{}),
		eventsourced.NewJSONCodec[uint64](),
	)
}

func apply(value uint64, evt any) uint64 {
	switch e := evt.(type) {
	case Increased:
		return value + e.Inc
	case Decreased:
		return value - e.Dec
	}

	return value
}

// Inc increments the counter by n
func Inc(n uint64) entity.Cmd[uint64, any] {
	return func(_ context.Context, value uint64) ([]any, error) {
		if n > math.MaxUint64-value {
			return nil, fmt.Errorf("%w: value=%d, increment=%d", ErrOverflow, value, n)
		}

		return []any{Increased{OldValue: value, Inc: n}}, nil
	}
}

// Dec decrements the counter by n
func Dec(n uint64) entity.Cmd[uint64, any] {
	return func(_ context.Context, value uint64) ([]any, error) {
		if n > value {
			return nil, fmt.Errorf("%w: value=%d, decrement=%d", ErrUnderflow, value, n)
		}

		return []any{Decreased{OldValue: value, Dec: n}}, nil
	}
}

// NewTotals constructs an empty Totals read model
func NewTotals() *Totals {
	return &Totals{
		values: make(map[string]uint64),
	}
}

// Totals is an in-memory read model of every counter's value
type Totals struct {
	mu     sync.RWMutex
	values map[string]uint64
	events uint64
}

// Projection returns the projection that keeps t up to date
func (t *Totals) Projection(name string) eventsourced.Projection {
	kind := Kind()

	return eventsourced.Projection{
		Name:       name,
		EntityType: TypeName,
		Handler: func(_ context.Context, rec eventsourced.EventRecord) error {
			evt, err := kind.DecodeEvent(rec.Type, rec.Payload)
			if err != nil {
				return err
			}

			t.mu.Lock()
			defer t.mu.Unlock()

			t.values[rec.EntityID] = apply(t.values[rec.EntityID], evt)
			t.events++

			return nil
		},
	}
}

// Attach adds the totals projection to p and rewinds its cursor to the
// start. The view lives in memory only, so it is rebuilt on every start
// instead of resuming from a cursor persisted by an earlier process.
func (t *Totals) Attach(ctx context.Context, p *eventsourced.Projector, name string) error {
	if err := p.Add(t.Projection(name)); err != nil {
		return err
	}

	return p.Rewind(ctx, name, 0)
}

// Value returns the projected value of counter id
func (t *Totals) Value(id string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.values[id]

	return v, ok
}

// Events returns how many events were projected
func (t *Totals) Events() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.events
}
