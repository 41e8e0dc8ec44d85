package eventsourced

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aneshas/eventsourced/broker"
	"github.com/aneshas/eventsourced/broker/memory"
	"github.com/aneshas/eventsourced/broker/sqlbroker"
)

// Store bundles the components built on top of a single broker
type Store struct {
	Broker    broker.Broker
	Log       *EventLog
	Snapshots *SnapshotStore
	Cursors   *CursorStore
	Hydrator  *Hydrator
	Config    Config

	opts []Option
}

// Connect opens the broker cfg.BrokerAddress points to and wires the
// event log, snapshot store, cursor store and hydrator on top of it.
// opts are applied after the ones derived from cfg.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := openBroker(cfg, newCfg(opts))
	if err != nil {
		return nil, err
	}

	// probe connectivity with the caller's context
	if _, err := b.LastPosition(ctx, ""); err != nil {
		_ = b.Close()

		return nil, unavailable(ctx, ErrLogUnavailable, err)
	}

	all := append(cfg.Options(), opts...)

	log := NewEventLog(b, all...)
	snapshots := NewSnapshotStore(b, all...)

	return &Store{
		Broker:    b,
		Log:       log,
		Snapshots: snapshots,
		Cursors:   NewCursorStore(b, all...),
		Hydrator:  NewHydrator(log, snapshots, all...),
		Config:    cfg,
		opts:      all,
	}, nil
}

func openBroker(cfg Config, c Cfg) (broker.Broker, error) {
	addr := cfg.BrokerAddress

	switch {
	case addr == "memory:" || addr == "memory://":
		return memory.New(), nil

	case strings.HasPrefix(addr, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(addr, "sqlite:"), "//")
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite address needs a path", ErrInvalidArgument)
		}

		return sqlbroker.New(
			sqlbroker.WithSQLiteDB(path),
			sqlbroker.WithTablePrefix(cfg.StreamPrefix),
			sqlbroker.WithPollInterval(cfg.PollInterval),
			sqlbroker.WithLogger(c.Logger),
		)

	case strings.HasPrefix(addr, "postgres://") || strings.HasPrefix(addr, "postgresql://"):
		return sqlbroker.New(
			sqlbroker.WithPostgresDB(addr),
			sqlbroker.WithTablePrefix(cfg.StreamPrefix),
			sqlbroker.WithPollInterval(cfg.PollInterval),
			sqlbroker.WithLogger(c.Logger),
		)

	default:
		return nil, fmt.Errorf("%w: unsupported broker address %q", ErrInvalidArgument, addr)
	}
}

// NewProjector constructs a projector reading from the store
func (s *Store) NewProjector() *Projector {
	return NewProjector(s.Log, s.Cursors, s.opts...)
}

// Close closes the underlying broker
func (s *Store) Close() error {
	if err := s.Broker.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
		return err
	}

	return nil
}
