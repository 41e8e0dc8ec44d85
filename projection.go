package eventsourced

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aneshas/eventsourced/broker"
)

// Handler folds a single event into a read model. It is called with a
// context that is not canceled when the runner stops, so that a started
// batch is always completed.
type Handler func(ctx context.Context, rec EventRecord) error

// Projection represents a projection definition
type Projection struct {
	// Name identifies the projection and its persisted cursor
	Name string

	EntityType string

	// EntityID scopes the projection to a single entity. When empty the
	// projection receives events of all entities of EntityType in store
	// position order, which requires a broker with total order.
	EntityID string

	Handler Handler

	// Flush is optional. It is called after every handled batch, before the
	// cursor is persisted, and should commit buffered read model writes.
	Flush func(ctx context.Context) error
}

func (p Projection) validate() error {
	if p.Name == "" || p.EntityType == "" || p.Handler == nil {
		return fmt.Errorf("%w: projection needs a name, an entity type and a handler", ErrInvalidArgument)
	}

	return nil
}

// State is a projection runner state
type State int32

const (
	// StateStarting loads the persisted cursor
	StateStarting State = iota

	// StateCatchingUp processes events up to the tail observed at start
	StateCatchingUp

	// StateLive waits for and processes newly appended events
	StateLive

	// StateFaulted means the handler failed, the runner stopped advancing
	StateFaulted

	// StateStopped means the runner was stopped by its caller
	StateStopped
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateCatchingUp:
		return "catching-up"
	case StateLive:
		return "live"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a point in time view of a runner
type Status struct {
	Name       string
	EntityType string
	EntityID   string
	State      State

	// Position is the last processed position, Committed the last persisted one
	Position  uint64
	Committed uint64

	Err       error
	UpdatedAt time.Time
}

// NewRunner constructs a runner for a single projection
func NewRunner(p Projection, log *EventLog, cursors *CursorStore, opts ...Option) (*Runner, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	if p.EntityID == "" && log.Ordering() != broker.OrderTotal {
		return nil, fmt.Errorf("%w: projection %s spans all %s entities", ErrNoTotalOrder, p.Name, p.EntityType)
	}

	cfg := newCfg(opts)

	return &Runner{
		p:       p,
		log:     log,
		cursors: cursors,
		cfg:     cfg,
		tracer:  cfg.tracer(),
		resume:  make(chan struct{}, 1),
		status: Status{
			Name:       p.Name,
			EntityType: p.EntityType,
			EntityID:   p.EntityID,
			State:      StateStopped,
			UpdatedAt:  time.Now().UTC(),
		},
	}, nil
}

// Runner drives the cursor state machine of one projection:
// starting, catching-up, live and finally faulted or stopped.
// Delivery is at-least-once: the cursor is persisted at batch boundaries,
// so at most one batch is reprocessed after a crash.
type Runner struct {
	p       Projection
	log     *EventLog
	cursors *CursorStore
	cfg     Cfg
	tracer  trace.Tracer

	running atomic.Bool
	resume  chan struct{}

	mu     sync.Mutex
	status Status
}

// Name returns the projection name
func (r *Runner) Name() string { return r.p.Name }

// Status returns the current status of the runner
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Run runs the projection until ctx is done or its handler fails.
// It returns nil once stopped and an ErrProjectionFaulted error on fault.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrProjectionRunning, r.p.Name)
	}

	defer r.running.Store(false)

	r.setState(StateStarting, nil)

	cur, err := retry(ctx, r, "load cursor", func() (Cursor, error) {
		c, _, err := r.cursors.Load(ctx, r.p.Name)

		return c, err
	})
	if err != nil {
		return r.halt(ctx, nil, err)
	}

	r.mu.Lock()
	r.status.Position = cur.Position
	r.status.Committed = cur.Position
	r.mu.Unlock()

	r.setState(StateCatchingUp, nil)

	tail, err := retry(ctx, r, "read tail", func() (uint64, error) {
		return r.tail(ctx)
	})
	if err != nil {
		return r.halt(ctx, &cur, err)
	}

	r.cfg.Logger.InfoContext(ctx, "projection started",
		"projection", r.p.Name,
		"position", cur.Position,
		"tail", tail,
	)

	if cur.Position >= tail {
		r.setState(StateLive, nil)
	}

	for {
		if ctx.Err() != nil {
			return r.stop(ctx, cur)
		}

		recs, err := retry(ctx, r, "read batch", func() ([]EventRecord, error) {
			return r.next(ctx, cur.Position)
		})
		if err != nil {
			return r.halt(ctx, &cur, err)
		}

		if len(recs) == 0 {
			if r.Status().State != StateLive {
				r.setState(StateLive, nil)
			}

			_, err := retry(ctx, r, "wait", func() (struct{}, error) {
				return struct{}{}, r.wait(ctx, cur.Position)
			})
			if err != nil {
				return r.halt(ctx, &cur, err)
			}

			continue
		}

		pos, err := r.apply(ctx, recs)
		if err != nil {
			return r.fault(ctx, err)
		}

		next := Cursor{Projection: r.p.Name, Position: pos}

		_, err = retry(ctx, r, "save cursor", func() (struct{}, error) {
			return struct{}{}, r.cursors.Save(context.WithoutCancel(ctx), next)
		})
		if err != nil {
			return r.halt(ctx, &next, err)
		}

		cur = next

		r.mu.Lock()
		r.status.Committed = cur.Position
		r.mu.Unlock()

		if cur.Position >= tail && r.Status().State == StateCatchingUp {
			r.setState(StateLive, nil)
		}
	}
}

func (r *Runner) tail(ctx context.Context) (uint64, error) {
	if r.p.EntityID == "" {
		return r.log.lastPosition(ctx, r.p.EntityType)
	}

	return r.log.lastSeq(ctx, r.subject())
}

func (r *Runner) subject() broker.Subject {
	return broker.Subject{Type: r.p.EntityType, ID: r.p.EntityID}
}

func (r *Runner) next(ctx context.Context, pos uint64) ([]EventRecord, error) {
	if r.p.EntityID == "" {
		recs, err := r.log.readType(ctx, r.p.EntityType, pos, r.cfg.BatchSize)
		if err != nil {
			return nil, err
		}

		return records(recs), nil
	}

	subj := r.subject()

	recs, err := r.log.read(ctx, subj, pos, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	for i, rec := range recs {
		if want := pos + uint64(i) + 1; rec.SeqNo != want {
			return nil, corrupt("%s: sequence gap, want %d got %d", subj, want, rec.SeqNo)
		}
	}

	return records(recs), nil
}

// wait blocks until something past pos can be read. Entity scoped runners
// wait on the entity's own sequence, so they need no cross entity order.
func (r *Runner) wait(ctx context.Context, pos uint64) error {
	if r.p.EntityID == "" {
		return r.log.wait(ctx, r.p.EntityType, pos)
	}

	return r.log.waitSeq(ctx, r.subject(), pos)
}

func records(recs []broker.Record) []EventRecord {
	out := make([]EventRecord, len(recs))

	for i, rec := range recs {
		out[i] = recordOf(rec)
	}

	return out
}

func (r *Runner) positionOf(rec EventRecord) uint64 {
	if r.p.EntityID == "" {
		return rec.Position
	}

	return uint64(rec.SeqNo)
}

// apply hands a whole batch to the handler. Cancellation is only observed
// between batches.
func (r *Runner) apply(ctx context.Context, recs []EventRecord) (uint64, error) {
	hctx := context.WithoutCancel(ctx)

	hctx, span := r.tracer.Start(hctx, "projection.batch", trace.WithAttributes(
		attribute.String("projection", r.p.Name),
		attribute.Int("events", len(recs)),
	))
	defer span.End()

	var pos uint64

	for _, rec := range recs {
		if err := r.p.Handler(hctx, rec); err != nil {
			return 0, fail(span, fmt.Errorf("handle %s.%s event %d: %w", rec.EntityType, rec.EntityID, rec.SeqNo, err))
		}

		pos = r.positionOf(rec)

		r.mu.Lock()
		r.status.Position = pos
		r.mu.Unlock()
	}

	if r.p.Flush != nil {
		if err := r.p.Flush(hctx); err != nil {
			return 0, fail(span, fmt.Errorf("flush: %w", err))
		}
	}

	return pos, nil
}

// halt stops the runner if ctx is done and faults it otherwise
func (r *Runner) halt(ctx context.Context, cur *Cursor, err error) error {
	if ctx.Err() != nil {
		if cur == nil {
			r.setState(StateStopped, nil)

			return nil
		}

		return r.stop(ctx, *cur)
	}

	return r.fault(ctx, err)
}

// stop persists the cursor one final time
func (r *Runner) stop(ctx context.Context, cur Cursor) error {
	if err := r.cursors.Save(context.WithoutCancel(ctx), cur); err != nil {
		r.cfg.Logger.WarnContext(ctx, "could not persist cursor on stop",
			"projection", r.p.Name,
			"position", cur.Position,
			"error", err,
		)
	}

	r.setState(StateStopped, nil)

	r.cfg.Logger.InfoContext(ctx, "projection stopped",
		"projection", r.p.Name,
		"position", cur.Position,
	)

	return nil
}

func (r *Runner) fault(ctx context.Context, err error) error {
	r.setState(StateFaulted, err)

	st := r.Status()

	r.cfg.Logger.ErrorContext(ctx, "projection faulted",
		"projection", r.p.Name,
		"position", st.Committed,
		"error", err,
	)

	return fmt.Errorf("%w: %s: %w", ErrProjectionFaulted, r.p.Name, err)
}

func (r *Runner) setState(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State != s {
		r.cfg.Logger.Debug("projection state changed",
			"projection", r.p.Name,
			"from", r.status.State.String(),
			"state", s.String(),
		)
	}

	r.status.State = s
	r.status.Err = err
	r.status.UpdatedAt = time.Now().UTC()
}

// Rewind moves the persisted cursor of a stopped or faulted runner to pos.
// It is the only way a cursor moves backwards.
func (r *Runner) Rewind(ctx context.Context, pos uint64) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrProjectionRunning, r.p.Name)
	}

	defer r.running.Store(false)

	if err := r.cursors.Save(ctx, Cursor{Projection: r.p.Name, Position: pos}); err != nil {
		return err
	}

	r.mu.Lock()
	r.status.Position = pos
	r.status.Committed = pos
	r.status.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.cfg.Logger.InfoContext(ctx, "projection rewound",
		"projection", r.p.Name,
		"position", pos,
	)

	return nil
}

var (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// retry retries f while it fails with a transient error
func retry[T any](ctx context.Context, r *Runner, op string, f func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.cfg.Logger.WarnContext(ctx, "projection retrying",
				"projection", r.p.Name,
				"op", op,
				"in", d,
				"error", err,
			)
		}),
	}

	if r.cfg.RetryMaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(r.cfg.RetryMaxTries))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := f()
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}

		return v, err
	}, opts...)
}

// NewProjector constructs a Projector
func NewProjector(log *EventLog, cursors *CursorStore, opts ...Option) *Projector {
	return &Projector{
		log:     log,
		cursors: cursors,
		opts:    opts,
		cfg:     newCfg(opts),
		byName:  make(map[string]*Runner),
	}
}

// Projector runs each added projection in its own goroutine.
// A faulted projection waits for Resume while the others keep running.
type Projector struct {
	log     *EventLog
	cursors *CursorStore
	opts    []Option
	cfg     Cfg

	mu      sync.RWMutex
	runners []*Runner
	byName  map[string]*Runner
}

// Add effectively registers projections with the projector
// Make sure to add all of your projections before calling Run
func (p *Projector) Add(projections ...Projection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, proj := range projections {
		if _, ok := p.byName[proj.Name]; ok {
			return fmt.Errorf("%w: duplicate projection %s", ErrInvalidArgument, proj.Name)
		}

		r, err := NewRunner(proj, p.log, p.cursors, p.opts...)
		if err != nil {
			return err
		}

		p.runners = append(p.runners, r)
		p.byName[proj.Name] = r
	}

	return nil
}

// Run will start the projector and block until ctx is done.
// Faults of projections still faulted at that point are returned joined.
func (p *Projector) Run(ctx context.Context) error {
	p.mu.RLock()
	runners := append([]*Runner(nil), p.runners...)
	p.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, r := range runners {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := p.supervise(ctx, r); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return errors.Join(errs...)
}

func (p *Projector) supervise(ctx context.Context, r *Runner) error {
	for {
		err := r.Run(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return err
		case <-r.resume:
			p.cfg.Logger.InfoContext(ctx, "projection resumed", "projection", r.Name())
		}
	}
}

func (p *Projector) runner(name string) (*Runner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: projection %s", ErrNotFound, name)
	}

	return r, nil
}

// Statuses returns the status of every projection in the order they were added
func (p *Projector) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, len(p.runners))

	for i, r := range p.runners {
		out[i] = r.Status()
	}

	return out
}

// Status returns the status of a single projection
func (p *Projector) Status(name string) (Status, error) {
	r, err := p.runner(name)
	if err != nil {
		return Status{}, err
	}

	return r.Status(), nil
}

// Rewind moves the cursor of a stopped or faulted projection to pos
func (p *Projector) Rewind(ctx context.Context, name string, pos uint64) error {
	r, err := p.runner(name)
	if err != nil {
		return err
	}

	return r.Rewind(ctx, pos)
}

// Resume restarts a faulted projection from its persisted cursor
func (p *Projector) Resume(name string) error {
	r, err := p.runner(name)
	if err != nil {
		return err
	}

	if r.Status().State != StateFaulted {
		return fmt.Errorf("%w: %s is %s", ErrInvalidArgument, name, r.Status().State)
	}

	select {
	case r.resume <- struct{}{}:
	default:
	}

	return nil
}
