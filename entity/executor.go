// Package entity executes commands against event sourced entities:
// hydrate, decide, append with the expected sequence, fold and snapshot.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/aneshas/eventsourced"
)

// Cmd decides which events a command produces given the current state.
// Returning an error rejects the command, returning no events is a no-op.
type Cmd[S, E any] func(ctx context.Context, state S) ([]E, error)

// Cfg represents executor configuration
type Cfg struct {
	SnapshotEvery uint64
	MaxTries      uint
	Logger        *slog.Logger
}

// Option represents executor configuration option
type Option func(Cfg) Cfg

// WithSnapshotEvery saves a snapshot every n events, 0 disables snapshots
func WithSnapshotEvery(n uint64) Option {
	return func(cfg Cfg) Cfg {
		cfg.SnapshotEvery = n

		return cfg
	}
}

// WithMaxTries sets how many times a command is attempted when it
// keeps conflicting with concurrent writers
func WithMaxTries(n uint) Option {
	return func(cfg Cfg) Cfg {
		cfg.MaxTries = n

		return cfg
	}
}

// WithLogger sets a structured logger
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// NewExecutor creates a new executor for the given entity kind
func NewExecutor[S, E any](
	kind *eventsourced.Binding[S, E],
	log *eventsourced.EventLog,
	hydrator *eventsourced.Hydrator,
	opts ...Option) *Executor[S, E] {
	cfg := Cfg{
		MaxTries: 5,
		Logger:   slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Executor[S, E]{
		kind:     kind,
		log:      log,
		hydrator: hydrator,
		cfg:      cfg,
	}
}

// Executor runs commands against entities of a single kind.
// Concurrent commands for the same entity race at the event log; the losers
// re-hydrate and retry.
type Executor[S, E any] struct {
	kind     *eventsourced.Binding[S, E]
	log      *eventsourced.EventLog
	hydrator *eventsourced.Hydrator
	cfg      Cfg
}

// Get returns current state of an entity or eventsourced.ErrNotFound if it has no events
func (x *Executor[S, E]) Get(ctx context.Context, id string) (S, eventsourced.SeqNo, error) {
	state, seq, err := eventsourced.Hydrate(ctx, x.hydrator, x.kind, id)
	if err != nil {
		return state, 0, err
	}

	if seq == 0 {
		return state, 0, fmt.Errorf("%w: %s.%s", eventsourced.ErrNotFound, x.kind.TypeName(), id)
	}

	return state, seq, nil
}

type outcome[S any] struct {
	state S
	seq   eventsourced.SeqNo
}

// Exec hydrates the entity, runs cmd and appends the resulting events.
// It returns the new state and last sequence.
func (x *Executor[S, E]) Exec(ctx context.Context, id string, cmd Cmd[S, E]) (S, eventsourced.SeqNo, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second

	out, err := backoff.Retry(ctx, func() (outcome[S], error) {
		o, err := x.exec(ctx, id, cmd)
		if err != nil && !errors.Is(err, eventsourced.ErrConcurrencyConflict) {
			return o, backoff.Permanent(err)
		}

		return o, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(x.cfg.MaxTries),
	)

	return out.state, out.seq, err
}

func (x *Executor[S, E]) exec(ctx context.Context, id string, cmd Cmd[S, E]) (outcome[S], error) {
	state, seq, err := eventsourced.Hydrate(ctx, x.hydrator, x.kind, id)
	if err != nil {
		return outcome[S]{}, err
	}

	evts, err := cmd(ctx, state)
	if err != nil {
		return outcome[S]{}, err
	}

	if len(evts) == 0 {
		return outcome[S]{state: state, seq: seq}, nil
	}

	encoded, err := x.kind.EncodeEvents(evts...)
	if err != nil {
		return outcome[S]{}, err
	}

	last, err := x.log.Append(ctx, x.kind.TypeName(), id, seq, encoded)
	if err != nil {
		return outcome[S]{}, err
	}

	state = x.kind.Fold(state, evts...)

	x.snapshot(ctx, id, seq, last, state)

	return outcome[S]{state: state, seq: last}, nil
}

// snapshot saves state when the append crossed a multiple of SnapshotEvery.
// Failures are logged only, the events are already persisted.
func (x *Executor[S, E]) snapshot(ctx context.Context, id string, prev, last eventsourced.SeqNo, state S) {
	every := x.cfg.SnapshotEvery

	if every == 0 || uint64(prev)/every == uint64(last)/every {
		return
	}

	if err := x.hydrator.Snapshot(ctx, x.kind, id, last, state); err != nil {
		x.cfg.Logger.WarnContext(ctx, "cannot save snapshot",
			"entity_type", x.kind.TypeName(),
			"entity_id", id,
			"seq_no", uint64(last),
			"error", err,
		)
	}
}
