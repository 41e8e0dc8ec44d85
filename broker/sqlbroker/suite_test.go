package sqlbroker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aneshas/eventsourced/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subj = broker.Subject{Type: "counter", ID: "c-1"}

func recs(payloads ...string) []broker.Record {
	out := make([]broker.Record, len(payloads))

	for i, p := range payloads {
		out[i] = broker.Record{
			EventID:    "evt-" + p,
			EventType:  "Increased",
			Payload:    []byte(p),
			Meta:       map[string]string{"ip": "127.0.0.1"},
			OccurredOn: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	return out
}

// brokerSuite runs the shared broker contract against b
func brokerSuite(t *testing.T, b broker.Broker) {
	ctx := context.Background()

	t.Run("append assigns contiguous sequences", func(t *testing.T) {
		got, err := b.Append(ctx, subj, 0, recs("a", "b"))
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, uint64(1), got[0].SeqNo)
		assert.Equal(t, uint64(2), got[1].SeqNo)
		assert.Less(t, got[0].Position, got[1].Position)

		read, err := b.Read(ctx, subj, 0, 0)
		require.NoError(t, err)
		require.Len(t, read, 2)

		assert.Equal(t, "a", string(read[0].Payload))
		assert.Equal(t, "evt-b", read[1].EventID)
		assert.Equal(t, map[string]string{"ip": "127.0.0.1"}, read[1].Meta)
		assert.Equal(t, subj, read[0].Subject)
	})

	t.Run("stale append conflicts", func(t *testing.T) {
		_, err := b.Append(ctx, subj, 0, recs("c"))
		assert.ErrorIs(t, err, broker.ErrConflict)

		_, err = b.Append(ctx, subj, 2, recs("c"))
		require.NoError(t, err)

		last, err := b.LastSeq(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), last)

		read, err := b.Read(ctx, subj, 1, 10)
		require.NoError(t, err)
		require.Len(t, read, 2)
		assert.Equal(t, "b", string(read[0].Payload))
		assert.Equal(t, "c", string(read[1].Payload))
	})

	t.Run("empty append only checks expected sequence", func(t *testing.T) {
		got, err := b.Append(ctx, subj, 3, nil)
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = b.Append(ctx, subj, 1, nil)
		assert.ErrorIs(t, err, broker.ErrConflict)
	})

	t.Run("one of concurrent appends wins", func(t *testing.T) {
		other := broker.Subject{Type: "counter", ID: "c-race"}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := b.Append(ctx, other, 0, []broker.Record{{EventType: "Increased"}})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()

					return
				}

				assert.ErrorIs(t, err, broker.ErrConflict)
			}()
		}

		wg.Wait()

		assert.Equal(t, 1, wins)
	})

	t.Run("read by type follows positions", func(t *testing.T) {
		_, err := b.Append(ctx, broker.Subject{Type: "account", ID: "a-1"}, 0, recs("x"))
		require.NoError(t, err)

		got, err := b.ReadType(ctx, "counter", 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 4)

		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Position, got[i].Position)
			assert.Equal(t, "counter", got[i].Subject.Type)
		}

		last, err := b.LastPosition(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, got[len(got)-1].Position, last)

		tail, err := b.ReadType(ctx, "counter", got[1].Position, 1)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, got[2].Position, tail[0].Position)
	})

	t.Run("wait wakes up on append", func(t *testing.T) {
		last, err := b.LastPosition(ctx, "counter")
		require.NoError(t, err)

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		done := make(chan error, 1)

		go func() {
			done <- b.Wait(wctx, "counter", last)
		}()

		time.Sleep(20 * time.Millisecond)

		_, err = b.Append(ctx, broker.Subject{Type: "counter", ID: "c-wait"}, 0, recs("w"))
		require.NoError(t, err)

		assert.NoError(t, <-done)
	})

	t.Run("wait observes cancellation", func(t *testing.T) {
		last, err := b.LastPosition(ctx, "counter")
		require.NoError(t, err)

		wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, b.Wait(wctx, "counter", last), context.DeadlineExceeded)
	})

	t.Run("wait seq only wakes up on the subject's own append", func(t *testing.T) {
		subj := broker.Subject{Type: "counter", ID: "c-wait-seq"}

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		done := make(chan error, 1)

		go func() {
			done <- b.WaitSeq(wctx, subj, 0)
		}()

		_, err := b.Append(ctx, broker.Subject{Type: "counter", ID: "c-other"}, 0, recs("o"))
		require.NoError(t, err)

		select {
		case err := <-done:
			t.Fatalf("woke up on another subject's append: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		_, err = b.Append(ctx, subj, 0, recs("s"))
		require.NoError(t, err)

		assert.NoError(t, <-done)
	})

	t.Run("buckets are last write wins", func(t *testing.T) {
		_, err := b.Get(ctx, "snapshots", "counter.c-1")
		assert.ErrorIs(t, err, broker.ErrNotFound)

		require.NoError(t, b.Put(ctx, "snapshots", "counter.c-1", []byte("one")))
		require.NoError(t, b.Put(ctx, "snapshots", "counter.c-1", []byte("two")))

		v, err := b.Get(ctx, "snapshots", "counter.c-1")
		require.NoError(t, err)
		assert.Equal(t, "two", string(v))
	})
}
