package eventsourced

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates that the entity's last sequence differs
	// from the expected one. Re-hydrate and retry the command.
	ErrConcurrencyConflict = errors.New("optimistic concurrency check failed")

	// ErrLogUnavailable indicates a transient event log (broker) failure
	ErrLogUnavailable = errors.New("event log unavailable")

	// ErrStoreUnavailable indicates a transient snapshot or cursor store failure
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCorrupt indicates diverged snapshot and log, a sequence gap or a
	// record that can not be decoded. It is never repaired automatically.
	ErrCorrupt = errors.New("corrupt")

	// ErrNotFound indicates that the requested item does not exist
	ErrNotFound = errors.New("not found")

	// ErrEntityNotRegistered is returned by Registry.Lookup for unknown entity types
	ErrEntityNotRegistered = errors.New("entity type not registered")

	// ErrEntityRegistered is returned by Registry.Register for duplicate entity types
	ErrEntityRegistered = errors.New("entity type already registered")

	// ErrProjectionFaulted is returned by a runner whose handler failed
	ErrProjectionFaulted = errors.New("projection faulted")

	// ErrProjectionRunning is returned when an operation requires a stopped or faulted projection
	ErrProjectionRunning = errors.New("projection is running")

	// ErrNoTotalOrder is returned when a projection spans many entities but
	// the broker does not declare a total order
	ErrNoTotalOrder = errors.New("broker does not provide a total order across entities")

	// ErrInvalidArgument indicates a malformed call, eg. an empty entity id
	ErrInvalidArgument = errors.New("invalid argument")
)

// Retryable reports whether err is a transient failure worth retrying with backoff.
// ErrConcurrencyConflict is not retryable as is, the caller has to re-hydrate first.
func Retryable(err error) bool {
	return errors.Is(err, ErrLogUnavailable) || errors.Is(err, ErrStoreUnavailable)
}

// unavailable classifies a broker failure. Caller cancellation is propagated
// as is, everything else (including per call timeouts) is wrapped with kind.
func unavailable(ctx context.Context, kind, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return fmt.Errorf("%w: %w", kind, err)
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
