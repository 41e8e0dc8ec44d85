package eventsourced_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourced"
	"github.com/aneshas/eventsourced/broker"
	"github.com/aneshas/eventsourced/broker/memory"
)

type sink struct {
	mu   sync.Mutex
	recs []eventsourced.EventRecord
}

func (s *sink) handle(_ context.Context, rec eventsourced.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = append(s.recs, rec)

	return nil
}

func (s *sink) seqs() []eventsourced.SeqNo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]eventsourced.SeqNo, len(s.recs))

	for i, rec := range s.recs {
		out[i] = rec.SeqNo
	}

	return out
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.recs)
}

type fixture struct {
	broker  broker.Broker
	log     *eventsourced.EventLog
	cursors *eventsourced.CursorStore
}

func newFixture(b broker.Broker) fixture {
	return fixture{
		broker:  b,
		log:     eventsourced.NewEventLog(b, eventsourced.WithBatchSize(2)),
		cursors: eventsourced.NewCursorStore(b),
	}
}

func (f fixture) append(t *testing.T, id string, n int) {
	t.Helper()

	last, err := f.log.LastSeqNo(context.Background(), "counter", id)
	require.NoError(t, err)

	_, err = f.log.Append(context.Background(), "counter", id, last, encode(t, incs(n)...))
	require.NoError(t, err)
}

func (f fixture) runner(t *testing.T, p eventsourced.Projection, opts ...eventsourced.Option) *eventsourced.Runner {
	t.Helper()

	opts = append([]eventsourced.Option{eventsourced.WithBatchSize(2)}, opts...)

	r, err := eventsourced.NewRunner(p, f.log, f.cursors, opts...)
	require.NoError(t, err)

	return r
}

func start(r *eventsourced.Runner) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- r.Run(ctx)
	}()

	return cancel, done
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	assert.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestEntityProjectionCatchesUpAndGoesLive(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 3)
	f.append(t, "c-2", 1)

	var s sink

	r := f.runner(t, eventsourced.Projection{
		Name:       "c-1-view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    s.handle,
	})

	cancel, done := start(r)

	eventually(t, func() bool {
		return s.len() == 3 && r.Status().State == eventsourced.StateLive
	})

	f.append(t, "c-1", 2)
	f.append(t, "c-2", 1)

	eventually(t, func() bool { return s.len() == 5 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{1, 2, 3, 4, 5}, s.seqs())
	assert.Equal(t, eventsourced.StateStopped, r.Status().State)

	cur, ok, err := f.cursors.Load(context.Background(), "c-1-view")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), cur.Position)
}

// perSubjectBroker only orders records within a subject. Its type wide
// Wait never wakes up, as when a lower position commits after a higher one.
type perSubjectBroker struct {
	*memory.Broker
}

func (b perSubjectBroker) Ordering() broker.Ordering { return broker.OrderPerSubject }

func (b perSubjectBroker) Wait(ctx context.Context, _ string, _ uint64) error {
	<-ctx.Done()

	return ctx.Err()
}

func TestEntityProjectionGoesLiveWithoutTotalOrder(t *testing.T) {
	f := newFixture(perSubjectBroker{Broker: memory.New()})
	f.append(t, "c-2", 2)

	var s sink

	r := f.runner(t, eventsourced.Projection{
		Name:       "c-1-view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    s.handle,
	})

	cancel, done := start(r)

	eventually(t, func() bool { return r.Status().State == eventsourced.StateLive })

	f.append(t, "c-1", 1)
	f.append(t, "c-2", 1)
	f.append(t, "c-1", 2)

	eventually(t, func() bool { return s.len() == 3 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{1, 2, 3}, s.seqs())
}

func TestTypeProjectionFollowsStorePositions(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 2)

	_, err := f.log.Append(context.Background(), "account", "a-1", 0, encode(t, incs(1)...))
	require.NoError(t, err)

	f.append(t, "c-2", 2)

	var s sink

	r := f.runner(t, eventsourced.Projection{
		Name:       "counters",
		EntityType: "counter",
		Handler:    s.handle,
	})

	cancel, done := start(r)

	eventually(t, func() bool { return s.len() == 4 })

	cancel()
	require.NoError(t, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 1; i < len(s.recs); i++ {
		assert.Less(t, s.recs[i-1].Position, s.recs[i].Position)
		assert.Equal(t, "counter", s.recs[i].EntityType)
	}

	cur, _, err := f.cursors.Load(context.Background(), "counters")
	require.NoError(t, err)
	assert.Equal(t, s.recs[3].Position, cur.Position)
}

func TestProjectionResumesAfterPersistedCursor(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 4)

	p := eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
	}

	var first sink

	p.Handler = first.handle

	r := f.runner(t, p)
	cancel, done := start(r)

	eventually(t, func() bool { return first.len() == 4 })

	cancel()
	require.NoError(t, <-done)

	f.append(t, "c-1", 2)

	var second sink

	p.Handler = second.handle

	r = f.runner(t, p)
	cancel, done = start(r)

	eventually(t, func() bool { return second.len() == 2 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{5, 6}, second.seqs())
}

func TestFaultedProjectionReprocessesAtMostOneBatch(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 5)

	boom := errors.New("read model down")

	p := eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler: func(_ context.Context, rec eventsourced.EventRecord) error {
			if rec.SeqNo == 4 {
				return boom
			}

			return nil
		},
	}

	r := f.runner(t, p)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, eventsourced.ErrProjectionFaulted)
	assert.ErrorIs(t, err, boom)

	st := r.Status()
	assert.Equal(t, eventsourced.StateFaulted, st.State)
	assert.Equal(t, uint64(2), st.Committed)
	assert.Equal(t, uint64(3), st.Position)
	assert.ErrorIs(t, st.Err, boom)

	cur, _, err := f.cursors.Load(context.Background(), "view")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Position)

	var s sink

	p.Handler = s.handle

	r = f.runner(t, p)
	cancel, done := start(r)

	eventually(t, func() bool { return s.len() == 3 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{3, 4, 5}, s.seqs())
}

func TestStartedBatchIsCompletedOnStop(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		s       sink
		ctxErrs []error
	)

	r := f.runner(t, eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler: func(hctx context.Context, rec eventsourced.EventRecord) error {
			if rec.SeqNo == 1 {
				cancel()
			}

			ctxErrs = append(ctxErrs, hctx.Err())

			return s.handle(hctx, rec)
		},
	})

	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []eventsourced.SeqNo{1, 2}, s.seqs())
	assert.Equal(t, []error{nil, nil}, ctxErrs)

	cur, _, err := f.cursors.Load(context.Background(), "view")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Position)
}

func TestTypeProjectionRequiresTotalOrder(t *testing.T) {
	b := newFaultyBroker()
	perSubject := broker.OrderPerSubject
	b.ordering = &perSubject

	f := newFixture(b)

	_, err := eventsourced.NewRunner(eventsourced.Projection{
		Name:       "counters",
		EntityType: "counter",
		Handler:    new(sink).handle,
	}, f.log, f.cursors)
	assert.ErrorIs(t, err, eventsourced.ErrNoTotalOrder)

	_, err = eventsourced.NewRunner(eventsourced.Projection{
		Name:       "c-1-view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    new(sink).handle,
	}, f.log, f.cursors)
	assert.NoError(t, err)
}

func TestShouldValidateProjections(t *testing.T) {
	f := newFixture(memory.New())

	_, err := eventsourced.NewRunner(eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
	}, f.log, f.cursors)

	assert.ErrorIs(t, err, eventsourced.ErrInvalidArgument)
}

func TestTransientReadFailuresAreRetried(t *testing.T) {
	b := newFaultyBroker()
	b.readFails = 2

	f := newFixture(b)
	f.append(t, "c-1", 3)

	var s sink

	r := f.runner(t, eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    s.handle,
	})

	cancel, done := start(r)

	eventually(t, func() bool { return s.len() == 3 })

	cancel()
	require.NoError(t, <-done)
}

func TestPersistentReadFailuresFaultAfterMaxTries(t *testing.T) {
	b := newFaultyBroker()
	b.readErr = broker.ErrClosed

	f := newFixture(b)
	f.append(t, "c-1", 3)

	r := f.runner(t, eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    new(sink).handle,
	}, eventsourced.WithRetryMaxTries(2))

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, eventsourced.ErrProjectionFaulted)
	assert.ErrorIs(t, err, eventsourced.ErrLogUnavailable)
	assert.Equal(t, eventsourced.StateFaulted, r.Status().State)
}

func TestRewindReprocessesEvents(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 3)

	var s sink

	r := f.runner(t, eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    s.handle,
	})

	cancel, done := start(r)

	eventually(t, func() bool { return s.len() == 3 })

	assert.ErrorIs(t, r.Rewind(context.Background(), 0), eventsourced.ErrProjectionRunning)

	cancel()
	require.NoError(t, <-done)

	require.NoError(t, r.Rewind(context.Background(), 1))
	assert.Equal(t, uint64(1), r.Status().Committed)

	cancel, done = start(r)

	eventually(t, func() bool { return s.len() == 5 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{1, 2, 3, 2, 3}, s.seqs())
}

func TestFlushIsCalledPerBatch(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 5)

	var (
		s       sink
		flushes atomic.Int32
	)

	r := f.runner(t, eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    s.handle,
		Flush: func(ctx context.Context) error {
			flushes.Add(1)

			return nil
		},
	})

	cancel, done := start(r)

	eventually(t, func() bool { return s.len() == 5 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(3), flushes.Load())
}

func TestFailedFlushFaultsWithoutPersistingCursor(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 2)

	r := f.runner(t, eventsourced.Projection{
		Name:       "view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    new(sink).handle,
		Flush: func(ctx context.Context) error {
			return errors.New("commit failed")
		},
	})

	assert.ErrorIs(t, r.Run(context.Background()), eventsourced.ErrProjectionFaulted)

	_, ok, err := f.cursors.Load(context.Background(), "view")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProjectorRunsProjectionsIndependently(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 3)
	f.append(t, "c-2", 2)

	var (
		all   sink
		one   sink
		heal  atomic.Bool
		calls atomic.Int32
	)

	p := eventsourced.NewProjector(f.log, f.cursors, eventsourced.WithBatchSize(2))

	err := p.Add(
		eventsourced.Projection{Name: "all", EntityType: "counter", Handler: all.handle},
		eventsourced.Projection{
			Name:       "one",
			EntityType: "counter",
			EntityID:   "c-2",
			Handler: func(ctx context.Context, rec eventsourced.EventRecord) error {
				calls.Add(1)

				if !heal.Load() {
					return errors.New("not yet")
				}

				return one.handle(ctx, rec)
			},
		},
	)
	require.NoError(t, err)

	err = p.Add(eventsourced.Projection{Name: "all", EntityType: "counter", Handler: all.handle})
	assert.ErrorIs(t, err, eventsourced.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- p.Run(ctx)
	}()

	eventually(t, func() bool {
		st, err := p.Status("one")

		return err == nil && st.State == eventsourced.StateFaulted && all.len() == 5
	})

	assert.ErrorIs(t, p.Resume("all"), eventsourced.ErrInvalidArgument)
	assert.ErrorIs(t, p.Rewind(context.Background(), "all", 0), eventsourced.ErrProjectionRunning)

	_, err = p.Status("nope")
	assert.ErrorIs(t, err, eventsourced.ErrNotFound)

	heal.Store(true)
	require.NoError(t, p.Resume("one"))

	eventually(t, func() bool {
		return one.len() == 2 && p.Statuses()[0].State == eventsourced.StateLive
	})

	statuses := p.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "all", statuses[0].Name)
	assert.Equal(t, eventsourced.StateLive, statuses[0].State)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{1, 2}, one.seqs())
}

func TestProjectorReturnsOutstandingFaults(t *testing.T) {
	f := newFixture(memory.New())
	f.append(t, "c-1", 1)

	p := eventsourced.NewProjector(f.log, f.cursors)

	require.NoError(t, p.Add(eventsourced.Projection{
		Name:       "broken",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler: func(context.Context, eventsourced.EventRecord) error {
			return errors.New("broken")
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- p.Run(ctx)
	}()

	eventually(t, func() bool {
		st, _ := p.Status("broken")

		return st.State == eventsourced.StateFaulted
	})

	require.NoError(t, p.Rewind(context.Background(), "broken", 0))

	cancel()

	assert.ErrorIs(t, <-done, eventsourced.ErrProjectionFaulted)
}

func TestRunIsRefusedWhileRewinding(t *testing.T) {
	b := newFaultyBroker()
	f := newFixture(b)
	f.append(t, "c-1", 3)

	entered := make(chan struct{})
	release := make(chan struct{})

	b.putHook = func() {
		close(entered)
		<-release
	}

	var s sink

	r := f.runner(t, eventsourced.Projection{
		Name:       "c-1-view",
		EntityType: "counter",
		EntityID:   "c-1",
		Handler:    s.handle,
	})

	rewound := make(chan error, 1)

	go func() {
		rewound <- r.Rewind(context.Background(), 2)
	}()

	<-entered

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, eventsourced.ErrProjectionRunning)

	close(release)
	require.NoError(t, <-rewound)

	b.putHook = nil

	cancel, done := start(r)

	eventually(t, func() bool { return s.len() == 1 })

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []eventsourced.SeqNo{3}, s.seqs())
}
